package masjeedsync

import (
	"context"
	"log"
	"sync"
	"time"
)

// ConnectivityState is a point-in-time copy of State.
type ConnectivityState struct {
	IsOnline       bool       `json:"isOnline"`
	SyncInProgress bool       `json:"syncInProgress"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
}

// State is the process-wide connectivity flag shared by the monitor, the
// queue manager and the interceptor. Build one per process (or per test).
type State struct {
	mu         sync.Mutex
	online     bool
	syncing    bool
	lastSyncAt time.Time
}

func NewState(online bool) *State {
	return &State{online: online}
}

func (s *State) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// setOnline reports whether the value changed.
func (s *State) setOnline(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == v {
		return false
	}
	s.online = v
	return true
}

// beginSync claims the drain guard; false means a drain is already running.
func (s *State) beginSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

func (s *State) endSync(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	s.lastSyncAt = at
}

func (s *State) Snapshot() ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ConnectivityState{IsOnline: s.online, SyncInProgress: s.syncing}
	if !s.lastSyncAt.IsZero() {
		t := s.lastSyncAt
		out.LastSyncAt = &t
	}
	return out
}

// Source is the host's connectivity signal.
type Source interface {
	Online() bool
	OnConnectivityChange(h func(online bool)) (unsubscribe func())
}

// ManualSource is a Source driven by SetOnline. The sidecar feeds it from
// the browser's online/offline events.
type ManualSource struct {
	mu       sync.Mutex
	online   bool
	nextID   int
	handlers map[int]func(bool)
}

func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, handlers: map[int]func(bool){}}
}

func (m *ManualSource) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualSource) OnConnectivityChange(h func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// SetOnline records v and notifies subscribers. Repeated values are still
// delivered; the monitor drops duplicates.
func (m *ManualSource) SetOnline(v bool) {
	m.mu.Lock()
	m.online = v
	hs := make([]func(bool), 0, len(m.handlers))
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(v)
	}
}

type drainer interface {
	ProcessQueue(ctx context.Context) error
}

// Monitor turns Source transitions into State updates and queue drains.
type Monitor struct {
	state   *State
	src     Source
	queue   drainer
	emitter *Emitter

	mu    sync.Mutex
	unsub func()
	wg    sync.WaitGroup
}

func NewMonitor(state *State, src Source, queue drainer, emitter *Emitter) *Monitor {
	return &Monitor{state: state, src: src, queue: queue, emitter: emitter}
}

// Start seeds State from the source and subscribes to transitions. If the
// source is already online a drain is started for items left from a previous run.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		return
	}
	online := m.src.Online()
	m.state.setOnline(online)
	m.unsub = m.src.OnConnectivityChange(m.handle)
	if online {
		m.drainAsync()
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() ConnectivityState {
	return m.state.Snapshot()
}

func (m *Monitor) handle(online bool) {
	if !m.state.setOnline(online) {
		return
	}
	if !online {
		log.Printf("connectivity: offline")
		m.emitter.emit(Event{Type: EventConnectivityOff})
		return
	}
	log.Printf("connectivity: online, draining queue")
	m.emitter.emit(Event{Type: EventConnectivityOnline})
	m.drainAsync()
}

func (m *Monitor) drainAsync() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.queue.ProcessQueue(context.Background()); err != nil {
			log.Printf("connectivity: drain: %v", err)
		}
	}()
}

// Wait blocks until every drain started so far has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Close unsubscribes from the source and waits for running drains.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
