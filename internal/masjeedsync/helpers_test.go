package masjeedsync

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeScheduler runs callbacks only when Advance moves simulated time past them.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	tasks  []*fakeTask
	delays []time.Duration
}

type fakeTask struct {
	at        time.Duration
	fn        func()
	cancelled bool
}

func (s *fakeScheduler) After(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTask{at: s.now + d, fn: fn}
	s.tasks = append(s.tasks, t)
	s.delays = append(s.delays, d)
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

// Advance runs every due callback in time order, including ones scheduled
// by callbacks that fall inside the window.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		sort.SliceStable(s.tasks, func(i, j int) bool { return s.tasks[i].at < s.tasks[j].at })
		idx := -1
		for i, t := range s.tasks {
			if t.cancelled {
				continue
			}
			if t.at <= target {
				idx = i
			}
			break
		}
		// drop cancelled tasks at the head
		if idx < 0 {
			live := s.tasks[:0]
			for _, t := range s.tasks {
				if !t.cancelled {
					live = append(live, t)
				}
			}
			s.tasks = live
			if len(s.tasks) == 0 || s.tasks[0].at > target {
				break
			}
			continue
		}
		t := s.tasks[idx]
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
		s.now = t.at
		s.mu.Unlock()
		t.fn()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

var errConnRefused = errors.New("dial tcp 10.0.0.1:443: connect: connection refused")

// switchTransport serves requests from handler, or fails them all while down.
type switchTransport struct {
	mu      sync.Mutex
	down    bool
	handler http.Handler
	calls   []*http.Request
}

func (t *switchTransport) SetDown(v bool) {
	t.mu.Lock()
	t.down = v
	t.mu.Unlock()
}

func (t *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.mu.Lock()
	down := t.down
	t.calls = append(t.calls, r)
	t.mu.Unlock()
	if down {
		return nil, errConnRefused
	}
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, r)
	return rec.Result(), nil
}

func (t *switchTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte("server:\n  origin: http://origin.test\nstorage:\n  driver: memory\n"))
	require.NoError(t, err)
	return cfg
}
