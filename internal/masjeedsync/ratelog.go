package masjeedsync

import (
	"log"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger prints at most once per interval and drops the rest.
type rateLimitedLogger struct {
	s rate.Sometimes
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{s: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.s.Do(func() { log.Printf(format, args...) })
}
