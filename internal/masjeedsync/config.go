package masjeedsync

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"` // leveldb | sqlite | memory
		Path   string `yaml:"path"`
		Max    string `yaml:"max"`

		maxBytes int64
	} `yaml:"storage"`

	Queue struct {
		BaseDelay  string  `yaml:"baseDelay"`
		Multiplier float64 `yaml:"backoffMultiplier"`
		MaxDelay   string  `yaml:"maxDelay"`
		MaxRetries int     `yaml:"maxRetries"`

		retry RetryConfig
	} `yaml:"queue"`

	Auth struct {
		Prefixes []string `yaml:"prefixes"`
	} `yaml:"auth"`

	Connectivity struct {
		StartOffline bool `yaml:"startOffline"`
	} `yaml:"connectivity"`

	Precache struct {
		Paths        []string `yaml:"paths"`
		Every        string   `yaml:"every"`
		InitialDelay string   `yaml:"initialDelay"`

		everyDur        time.Duration
		initialDelayDur time.Duration
	} `yaml:"precache"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`
}

// Rule maps a set of API paths to a cache collection and a write category.
type Rule struct {
	Match      string     `yaml:"match"`
	Priority   int        `yaml:"priority"`
	Bypass     bool       `yaml:"bypass"`
	Collection Collection `yaml:"collection"`
	Resource   string     `yaml:"resource"`
	TTL        string     `yaml:"ttl"`
	Category   Category   `yaml:"category"`

	// compiled
	matchers []pathPrefixMatcher
	ttlDur   time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// DefaultRules cover the Masjeed API resources.
func DefaultRules() []Rule {
	return []Rule{
		{Match: "PathPrefix(/api/health)", Priority: 0, Bypass: true},
		{Match: "PathPrefix(/api/prayers)|PathPrefix(/api/prayer-times)", Priority: 10, Collection: CollectionPrayerTimes, Resource: "prayer times", TTL: "24h"},
		{Match: "PathPrefix(/api/announcements)", Priority: 20, Collection: CollectionAnnouncements, Resource: "announcements", TTL: "30m", Category: CategoryAnnouncements},
		{Match: "PathPrefix(/api/events)|PathPrefix(/api/registrations)", Priority: 30, Collection: CollectionEvents, Resource: "events", TTL: "1h", Category: CategoryRegistrations},
		{Match: "PathPrefix(/api/donations)", Priority: 40, Collection: CollectionDonations, Resource: "donations", TTL: "30m", Category: CategoryDonations},
		{Match: "PathPrefix(/api/community)", Priority: 50, Collection: CollectionCommunity, Resource: "community", TTL: "1h"},
		{Match: "PathPrefix(/api/users)|PathPrefix(/api/profile)", Priority: 60, Collection: CollectionUserData, Resource: "user data", TTL: "1h"},
	}
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles rules.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "leveldb"
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case "sqlite":
			cfg.Storage.Path = "./data/masjeedsync.db"
		default:
			cfg.Storage.Path = "./data/leveldb"
		}
	}
	if cfg.Storage.Max != "" {
		n, err := humanize.ParseBytes(cfg.Storage.Max)
		if err != nil {
			return fmt.Errorf("storage.max: %w", err)
		}
		cfg.Storage.maxBytes = int64(n)
	}

	retry := RetryConfig{Multiplier: cfg.Queue.Multiplier, MaxRetries: cfg.Queue.MaxRetries}
	if err := parseDur("queue.baseDelay", cfg.Queue.BaseDelay, &retry.BaseDelay); err != nil {
		return err
	}
	if err := parseDur("queue.maxDelay", cfg.Queue.MaxDelay, &retry.MaxDelay); err != nil {
		return err
	}
	cfg.Queue.retry = retry.withDefaults()

	if len(cfg.Auth.Prefixes) == 0 {
		cfg.Auth.Prefixes = []string{"/auth/", "/api/auth/"}
	}

	if err := parseDur("precache.every", cfg.Precache.Every, &cfg.Precache.everyDur); err != nil {
		return err
	}
	if err := parseDur("precache.initialDelay", cfg.Precache.InitialDelay, &cfg.Precache.initialDelayDur); err != nil {
		return err
	}
	if err := parseDur("logging.logStatsEvery", cfg.Logging.LogStatsEvery, &cfg.Logging.logStatsEveryDur); err != nil {
		return err
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Bypass {
			continue
		}
		if r.Collection == "" {
			return fmt.Errorf("rules[%d].collection is required", i)
		}
		if err := parseDur(fmt.Sprintf("rules[%d].ttl", i), r.TTL, &r.ttlDur); err != nil {
			return err
		}
		if r.Resource == "" {
			r.Resource = string(r.Collection)
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func parseDur(field, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// RetryConfig returns the compiled queue settings.
func (cfg Config) RetryConfig() RetryConfig { return cfg.Queue.retry }

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func pickRule(rules []Rule, path string) *Rule {
	for i := range rules {
		if rules[i].Matches(path) {
			return &rules[i]
		}
	}
	return nil
}
