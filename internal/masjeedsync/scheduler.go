package masjeedsync

import "time"

// CancelFunc stops a scheduled callback. It is safe to call more than once.
type CancelFunc func()

// Scheduler runs fn once after d.
type Scheduler interface {
	After(d time.Duration, fn func()) CancelFunc
}

type timerScheduler struct{}

// NewTimerScheduler returns a Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) After(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
