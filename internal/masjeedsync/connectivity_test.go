package masjeedsync

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDrainer struct {
	calls atomic.Int32
}

func (d *countingDrainer) ProcessQueue(ctx context.Context) error {
	d.calls.Add(1)
	return nil
}

func TestMonitorDrainsOncePerOnlineTransition(t *testing.T) {
	state := NewState(false)
	src := NewManualSource(false)
	d := &countingDrainer{}
	em := NewEmitter()
	rec := &eventRecorder{}
	em.Subscribe(rec.record)

	mon := NewMonitor(state, src, d, em)
	mon.Start()
	defer mon.Close()

	src.SetOnline(true)
	src.SetOnline(true)
	src.SetOnline(true)
	mon.Wait()

	assert.True(t, state.Online())
	assert.EqualValues(t, 1, d.calls.Load(), "duplicate online signals are ignored")
	assert.Len(t, rec.ofType(EventConnectivityOnline), 1)

	src.SetOnline(false)
	src.SetOnline(false)
	assert.False(t, mon.State().IsOnline)
	assert.Len(t, rec.ofType(EventConnectivityOff), 1)

	src.SetOnline(true)
	mon.Wait()
	assert.EqualValues(t, 2, d.calls.Load())
}

func TestMonitorStartDrainsWhenAlreadyOnline(t *testing.T) {
	state := NewState(false)
	src := NewManualSource(true)
	d := &countingDrainer{}

	mon := NewMonitor(state, src, d, NewEmitter())
	mon.Start()
	mon.Start()
	mon.Wait()

	assert.True(t, state.Online())
	assert.EqualValues(t, 1, d.calls.Load())
	mon.Close()

	// Unsubscribed after Close.
	src.SetOnline(false)
	assert.True(t, state.Online())
}

func TestConcurrentDrainsAreGuarded(t *testing.T) {
	state := NewState(true)
	store := newMemoryStore()
	release := make(chan struct{})
	var calls atomic.Int32
	m := NewManager(store, state, doerFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-release
		return respond(http.StatusOK), nil
	}), ManagerOptions{Scheduler: &fakeScheduler{}})

	_, err := m.Enqueue(context.Background(), EnqueueRequest{URL: "https://masjeed.example/api/donations"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.ProcessQueue(context.Background())
	}()
	require.Eventually(t, func() bool { return state.Snapshot().SyncInProgress }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// A second drain while the first is running does nothing.
	require.NoError(t, m.ProcessQueue(context.Background()))
	close(release)
	<-done

	assert.EqualValues(t, 1, calls.Load())
	snap := state.Snapshot()
	assert.False(t, snap.SyncInProgress)
	require.NotNil(t, snap.LastSyncAt)
}

func TestStateSnapshot(t *testing.T) {
	s := NewState(true)
	assert.Equal(t, ConnectivityState{IsOnline: true}, s.Snapshot())

	assert.False(t, s.setOnline(true))
	assert.True(t, s.setOnline(false))

	require.True(t, s.beginSync())
	assert.False(t, s.beginSync())
	at := time.Date(2026, 4, 10, 19, 0, 0, 0, time.UTC)
	s.endSync(at)

	snap := s.Snapshot()
	assert.False(t, snap.SyncInProgress)
	require.NotNil(t, snap.LastSyncAt)
	assert.Equal(t, at, *snap.LastSyncAt)
}

func TestEmitterOnFiltersAndUnsubscribes(t *testing.T) {
	em := NewEmitter()
	var got []string
	unsub := em.On(EventSyncSuccess, func(ev Event) { got = append(got, ev.ID) })

	em.emit(Event{Type: EventSyncFailure, ID: "a"})
	em.emit(Event{Type: EventSyncSuccess, ID: "b"})
	unsub()
	unsub()
	em.emit(Event{Type: EventSyncSuccess, ID: "c"})

	assert.Equal(t, []string{"b"}, got)
}
