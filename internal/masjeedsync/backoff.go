package masjeedsync

import (
	"math"
	"time"
)

// RetryConfig controls replay of queued writes.
type RetryConfig struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultRetryConfig retries at 1s, 2s, 4s and then gives up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig. MaxRetries < 0
// means "no retries" and is kept as 0.
func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Delay returns the wait before retry number retryCount (1-based):
// min(BaseDelay * Multiplier^(retryCount-1), MaxDelay).
func (c RetryConfig) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	d := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(retryCount-1))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
