package masjeedsync

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// startPrecache seeds snapshots for the configured read paths so the app
// has prayer times and announcements before it first loses connectivity.
func (s *Service) startPrecache() {
	if len(s.cfg.Precache.Paths) == 0 {
		return
	}

	initDelay := s.cfg.Precache.initialDelayDur
	period := s.cfg.Precache.everyDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			stored, skipped, err := s.precacheOnce(ctx)
			if err != nil {
				log.Printf("precache: error: %v", err)
				return
			}
			log.Printf("precache: stored=%d skipped=%d", stored, skipped)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// precacheOnce fetches every configured path through the interceptor. Paths
// without a caching rule, and every path while offline, are skipped.
func (s *Service) precacheOnce(ctx context.Context) (stored int, skipped int, _ error) {
	for _, p := range s.cfg.Precache.Paths {
		select {
		case <-ctx.Done():
			return stored, skipped, ctx.Err()
		case <-s.stopCh:
			return stored, skipped, nil
		default:
		}

		p = normalizePrecachePath(p)
		if !s.state.Online() {
			skipped++
			continue
		}
		rule := pickRule(s.cfg.Rules, pathOnly(p))
		if rule == nil || rule.Bypass {
			skipped++
			continue
		}

		source, err := s.precacheOne(ctx, p)
		if err != nil {
			return stored, skipped, fmt.Errorf("precache %q: %w", p, err)
		}
		if source == SourceNetwork {
			stored++
		} else {
			skipped++
		}
	}
	return stored, skipped, nil
}

func (s *Service) precacheOne(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := s.interceptor.RoundTrip(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header.Get(headerSource), nil
}

func normalizePrecachePath(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
