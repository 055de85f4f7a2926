package masjeedsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(`{}`)), Header: http.Header{}}
}

type queueFixture struct {
	store  *memoryStore
	state  *State
	sched  *fakeScheduler
	events *eventRecorder
	m      *Manager
}

func newQueueFixture(t *testing.T, online bool, retry RetryConfig, do doerFunc) *queueFixture {
	t.Helper()
	f := &queueFixture{
		store:  newMemoryStore(),
		state:  NewState(online),
		sched:  &fakeScheduler{},
		events: &eventRecorder{},
	}
	f.m = NewManager(f.store, f.state, do, ManagerOptions{Retry: retry, Scheduler: f.sched})
	f.m.Events().Subscribe(f.events.record)

	var seq atomic.Int64
	base := time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)
	f.m.now = func() time.Time { return base.Add(time.Duration(seq.Add(1)) * time.Millisecond) }
	return f
}

func (f *queueFixture) status(t *testing.T) QueueStatus {
	t.Helper()
	st, err := f.m.QueueStatus(context.Background())
	require.NoError(t, err)
	return st
}

func TestOfflineDonationIsQueuedAndDrainedOnReconnect(t *testing.T) {
	var sent []*http.Request
	var mu sync.Mutex
	f := newQueueFixture(t, false, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		sent = append(sent, r)
		mu.Unlock()
		return respond(http.StatusOK), nil
	})

	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{
		URL:      "https://masjeed.example/api/donations",
		Method:   http.MethodPost,
		Body:     []byte(`{"amount":50}`),
		Headers:  map[string]string{"Authorization": "Bearer t0k", "Content-Type": "application/json"},
		Category: CategoryDonations,
	})
	require.NoError(t, err)

	st := f.status(t)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.ByType[CategoryDonations])
	assert.Zero(t, f.sched.Pending(), "nothing is scheduled while offline")

	src := NewManualSource(false)
	mon := NewMonitor(f.state, src, f.m, f.m.Events())
	mon.Start()
	src.SetOnline(true)
	mon.Wait()

	st = f.status(t)
	assert.Equal(t, 0, st.Total)

	ok := f.events.ofType(EventSyncSuccess)
	require.Len(t, ok, 1)
	assert.Equal(t, CategoryDonations, ok[0].Category)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, http.MethodPost, sent[0].Method)
	assert.Equal(t, "Bearer t0k", sent[0].Header.Get("Authorization"))
	body, _ := io.ReadAll(sent[0].Body)
	assert.JSONEq(t, `{"amount":50}`, string(body))
}

func TestRetryExhaustionRemovesItem(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errConnRefused
	})

	id, err := f.m.Enqueue(context.Background(), EnqueueRequest{
		URL:      "https://masjeed.example/api/events/7/register",
		Category: CategoryRegistrations,
		Retry:    &RetryConfig{MaxRetries: 1},
	})
	require.NoError(t, err)

	f.sched.Advance(0)
	assert.EqualValues(t, 1, calls.Load())
	q, err := loadQueued(context.Background(), f.store, id)
	require.NoError(t, err)
	assert.Equal(t, 1, q.RetryCount)
	assert.Empty(t, f.events.ofType(EventSyncFailure))

	f.sched.Advance(time.Second)
	assert.EqualValues(t, 2, calls.Load())

	assert.Equal(t, 0, f.status(t).Total)
	fails := f.events.ofType(EventSyncFailure)
	require.Len(t, fails, 1)
	assert.Equal(t, 1, fails[0].RetryCount)
	assert.Equal(t, CategoryRegistrations, fails[0].Category)
	var re *RetryExhaustedError
	require.ErrorAs(t, fails[0].Err, &re)
	assert.Equal(t, CodeRetryExhausted, Code(fails[0].Err))
	var ne *NetworkError
	assert.ErrorAs(t, fails[0].Err, &ne)
}

func TestDefaultRetrySchedule(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(http.StatusBadGateway), nil
	})

	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/community/posts"})
	require.NoError(t, err)

	f.sched.Advance(time.Minute)

	assert.EqualValues(t, 4, calls.Load(), "first attempt plus three retries")
	assert.Equal(t, []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second}, f.sched.Delays())
	fails := f.events.ofType(EventSyncFailure)
	require.Len(t, fails, 1)
	assert.Equal(t, 3, fails[0].RetryCount)
	assert.Equal(t, CategoryGeneral, fails[0].Category)
}

func TestSuccessAfterRetry(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return respond(http.StatusServiceUnavailable), nil
		}
		return respond(http.StatusCreated), nil
	})

	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/announcements", Category: CategoryAnnouncements})
	require.NoError(t, err)

	f.sched.Advance(0)
	assert.Equal(t, 1, f.status(t).Total)
	f.sched.Advance(time.Second)
	assert.Equal(t, 0, f.status(t).Total)
	assert.Len(t, f.events.ofType(EventSyncSuccess), 1)
	assert.Zero(t, f.sched.Pending())
}

func TestQueueStatusIsReadOnly(t *testing.T) {
	f := newQueueFixture(t, false, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})
	for i, c := range []Category{CategoryDonations, CategoryGeneral, CategoryDonations} {
		_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: fmt.Sprintf("https://masjeed.example/api/x/%d", i), Category: c})
		require.NoError(t, err)
	}

	a := f.status(t)
	b := f.status(t)
	assert.Equal(t, a, b)
	assert.Equal(t, 3, a.Total)
	assert.Equal(t, map[Category]int{
		CategoryDonations:     2,
		CategoryRegistrations: 0,
		CategoryAnnouncements: 0,
		CategoryGeneral:       1,
	}, a.ByType)
	for i, q := range a.Items {
		assert.Equal(t, fmt.Sprintf("https://masjeed.example/api/x/%d", i), q.URL, "items are oldest first")
		assert.Equal(t, http.MethodPost, q.Method)
		assert.Zero(t, q.RetryCount)
		assert.Equal(t, 3, q.MaxRetries)
	}
}

func TestClearQueueCancelsTimers(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errConnRefused
	})
	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations"})
	require.NoError(t, err)
	f.sched.Advance(0)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, f.sched.Pending())

	require.NoError(t, f.m.ClearQueue(context.Background()))
	assert.Zero(t, f.sched.Pending())
	assert.Equal(t, 0, f.status(t).Total)

	f.sched.Advance(time.Hour)
	assert.EqualValues(t, 1, calls.Load(), "no attempt after clear")
	assert.Empty(t, f.events.ofType(EventSyncFailure))
}

func TestProcessQueueIsNoopOffline(t *testing.T) {
	f := newQueueFixture(t, false, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected while offline")
		return nil, nil
	})
	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations"})
	require.NoError(t, err)

	require.NoError(t, f.m.ProcessQueue(context.Background()))
	assert.Equal(t, 1, f.status(t).Total)
	assert.Nil(t, f.state.Snapshot().LastSyncAt)
}

func TestProcessQueueDrainsOldestFirst(t *testing.T) {
	var order []string
	f := newQueueFixture(t, false, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		order = append(order, r.URL.Path)
		return respond(http.StatusOK), nil
	})
	for _, p := range []string{"/a", "/b", "/c"} {
		_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example" + p})
		require.NoError(t, err)
	}
	f.state.setOnline(true)
	require.NoError(t, f.m.ProcessQueue(context.Background()))

	assert.Equal(t, []string{"/a", "/b", "/c"}, order)
	snap := f.state.Snapshot()
	assert.False(t, snap.SyncInProgress)
	assert.NotNil(t, snap.LastSyncAt)
}

func TestProcessQueueSkipsWhileSyncing(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(http.StatusOK), nil
	})
	require.NoError(t, f.store.Put(context.Background(), CollectionOfflineQueue, Record{ID: "seed", Data: []byte(`{"id":"seed","url":"https://masjeed.example/x","method":"POST","category":"general","maxRetries":3}`)}))

	require.True(t, f.state.beginSync())
	require.NoError(t, f.m.ProcessQueue(context.Background()))
	assert.Zero(t, calls.Load())
	f.state.endSync(time.Now())

	require.NoError(t, f.m.ProcessQueue(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryItem(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, false, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return respond(http.StatusNoContent), nil
	})
	id, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations", Category: CategoryDonations})
	require.NoError(t, err)

	require.NoError(t, f.m.RetryItem(context.Background(), id), "offline retry is a no-op")
	assert.Zero(t, calls.Load())
	assert.Equal(t, 1, f.status(t).Total)

	f.state.setOnline(true)
	assert.ErrorIs(t, f.m.RetryItem(context.Background(), "unknown"), ErrNotFound)

	require.NoError(t, f.m.RetryItem(context.Background(), id))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 0, f.status(t).Total)
}

func TestEnqueueJSON(t *testing.T) {
	f := newQueueFixture(t, false, RetryConfig{}, nil)

	_, err := f.m.EnqueueJSON(context.Background(), "https://masjeed.example/api/x", http.MethodPost, make(chan int), nil, CategoryGeneral)
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeSerialization, Code(err))
	assert.Equal(t, 0, f.status(t).Total)

	id, err := f.m.EnqueueJSON(context.Background(), "https://masjeed.example/api/donations", "put", map[string]int{"amount": 20}, map[string]string{"Authorization": "Bearer x"}, CategoryDonations)
	require.NoError(t, err)
	q, err := loadQueued(context.Background(), f.store, id)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, q.Method)
	assert.JSONEq(t, `{"amount":20}`, string(q.Body))
	assert.Equal(t, "application/json", q.Headers["Content-Type"])
	assert.Equal(t, "Bearer x", q.Headers["Authorization"])
}

func TestEnqueueRequiresURL(t *testing.T) {
	f := newQueueFixture(t, false, RetryConfig{}, nil)
	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{})
	assert.Error(t, err)
}

func TestTimerFiringOfflineLeavesItemPending(t *testing.T) {
	var calls atomic.Int32
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errConnRefused
	})
	id, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations"})
	require.NoError(t, err)
	f.sched.Advance(0)

	f.state.setOnline(false)
	f.sched.Advance(time.Minute)
	assert.EqualValues(t, 1, calls.Load())

	q, err := loadQueued(context.Background(), f.store, id)
	require.NoError(t, err)
	assert.Equal(t, 1, q.RetryCount)
}

func TestPanickingSubscriberDoesNotBreakReplay(t *testing.T) {
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		return respond(http.StatusOK), nil
	})
	f.m.Events().On(EventSyncSuccess, func(Event) { panic("boom") })

	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations"})
	require.NoError(t, err)
	f.sched.Advance(0)

	assert.Equal(t, 0, f.status(t).Total)
	assert.Len(t, f.events.ofType(EventSyncSuccess), 1)
}

// retryCount only moves up, by one per failed attempt, and never past maxRetries.
func TestRetryCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("retryCount stays within [0, maxRetries]", prop.ForAll(
		func(maxRetries int, outcomes []bool) bool {
			i := 0
			f := newQueueFixture(t, true, RetryConfig{MaxRetries: maxRetries}, func(r *http.Request) (*http.Response, error) {
				ok := i < len(outcomes) && outcomes[i]
				i++
				if ok {
					return respond(http.StatusOK), nil
				}
				return nil, errors.New("unreachable")
			})
			id, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/x"})
			if err != nil {
				return false
			}
			prev := 0
			for step := 0; step < maxRetries+2; step++ {
				f.sched.Advance(time.Minute)
				q, err := loadQueued(context.Background(), f.store, id)
				if errors.Is(err, ErrNotFound) {
					break
				}
				if err != nil || q.RetryCount < prev || q.RetryCount > q.MaxRetries || q.RetryCount > prev+1 {
					return false
				}
				prev = q.RetryCount
			}
			_, err = loadQueued(context.Background(), f.store, id)
			gone := errors.Is(err, ErrNotFound)
			done := len(f.events.ofType(EventSyncSuccess)) + len(f.events.ofType(EventSyncFailure))
			return gone && done == 1
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestClearQueueDuringReplayIsFinal(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		close(entered)
		<-release
		return nil, errConnRefused
	})
	id, err := f.m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations", Category: CategoryDonations})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.m.RetryItem(context.Background(), id) }()
	<-entered

	require.NoError(t, f.m.ClearQueue(context.Background()))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 0, f.status(t).Total, "a cleared item is not written back")
	assert.Zero(t, f.sched.Pending(), "no retry is armed for a cleared item")
	assert.Empty(t, f.events.ofType(EventSyncFailure))
	assert.Empty(t, f.events.ofType(EventSyncSuccess))
}

func TestFailureEventAlwaysCarriesRetryCount(t *testing.T) {
	f := newQueueFixture(t, true, RetryConfig{}, func(r *http.Request) (*http.Response, error) {
		return nil, errConnRefused
	})
	_, err := f.m.Enqueue(context.Background(), EnqueueRequest{
		URL:   "https://masjeed.example/api/donations",
		Retry: &RetryConfig{MaxRetries: -1},
	})
	require.NoError(t, err)
	f.sched.Advance(0)

	fails := f.events.ofType(EventSyncFailure)
	require.Len(t, fails, 1)
	assert.Equal(t, 0, fails[0].RetryCount)
	b, err := json.Marshal(fails[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"retryCount":0`)
}
