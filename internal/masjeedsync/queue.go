package masjeedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EnqueueRequest describes a write to defer. A nil Retry uses the manager's
// configuration; only MaxRetries is kept per item.
type EnqueueRequest struct {
	URL      string
	Method   string
	Body     []byte
	Headers  map[string]string
	Category Category
	Retry    *RetryConfig
}

// ManagerOptions configures a Manager. Zero values pick defaults.
type ManagerOptions struct {
	Retry     RetryConfig
	Scheduler Scheduler
	Emitter   *Emitter
}

// Manager owns queued writes: it persists them, replays them with
// exponential backoff and reports the outcome through its Emitter.
//
// Per item: Pending -> Attempting -> Pending (retryCount+1) | Completed |
// Exhausted. Completed and Exhausted items are removed from the store.
type Manager struct {
	store   Store
	state   *State
	client  Doer
	retry   RetryConfig
	sched   Scheduler
	emitter *Emitter
	stats   *statsCollector

	newID func() string
	now   func() time.Time

	mu       sync.Mutex
	timers   map[string]*retryTimer
	inflight map[string]struct{}
	closed   bool
	// epoch is bumped by ClearQueue; an attempt that started in an older
	// epoch must not write its item back.
	epoch uint64

	// settleMu orders an attempt's outcome against ClearQueue.
	settleMu sync.Mutex
}

type retryTimer struct {
	cancel CancelFunc
}

func NewManager(store Store, state *State, client Doer, opts ManagerOptions) *Manager {
	if opts.Scheduler == nil {
		opts.Scheduler = NewTimerScheduler()
	}
	if opts.Emitter == nil {
		opts.Emitter = NewEmitter()
	}
	return &Manager{
		store:    store,
		state:    state,
		client:   client,
		retry:    opts.Retry.withDefaults(),
		sched:    opts.Scheduler,
		emitter:  opts.Emitter,
		newID:    uuid.NewString,
		now:      time.Now,
		timers:   map[string]*retryTimer{},
		inflight: map[string]struct{}{},
	}
}

// Events returns the emitter success and failure notifications go to.
func (m *Manager) Events() *Emitter { return m.emitter }

// Enqueue persists a new request with retryCount 0 and, when online,
// schedules its first attempt immediately. It returns the generated id.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("enqueue: empty url")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}
	category := req.Category
	if category == "" {
		category = CategoryGeneral
	}
	maxRetries := m.retry.MaxRetries
	if req.Retry != nil {
		maxRetries = req.Retry.withDefaults().MaxRetries
	}

	q := QueuedRequest{
		ID:         m.newID(),
		URL:        req.URL,
		Method:     method,
		Body:       req.Body,
		Headers:    req.Headers,
		Category:   category,
		EnqueuedAt: m.now().UTC(),
		MaxRetries: maxRetries,
	}
	if err := putJSON(ctx, m.store, CollectionOfflineQueue, q.ID, q, time.Time{}); err != nil {
		log.Printf("queue: enqueue %s %s: %v", q.Method, q.URL, err)
		return "", err
	}
	if m.stats != nil {
		m.stats.queued.Add(1)
	}
	log.Printf("queue: queued %s %s id=%s category=%s", q.Method, q.URL, q.ID, q.Category)
	m.emitter.emit(Event{Type: EventRequestQueued, ID: q.ID, Category: q.Category, URL: q.URL, Method: q.Method})

	if m.state.Online() {
		m.schedule(q.ID, 0)
	}
	return q.ID, nil
}

// EnqueueJSON marshals v as the request body. A value that cannot be
// marshalled fails with *SerializationError and nothing is queued.
func (m *Manager) EnqueueJSON(ctx context.Context, url, method string, v any, headers map[string]string, category Category) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", &SerializationError{URL: url, Err: err}
	}
	h := make(map[string]string, len(headers)+1)
	for k, val := range headers {
		h[k] = val
	}
	if _, ok := h["Content-Type"]; !ok {
		h["Content-Type"] = "application/json"
	}
	return m.Enqueue(ctx, EnqueueRequest{URL: url, Method: method, Body: b, Headers: h, Category: category})
}

// ProcessQueue attempts every queued item once, oldest first. It is a
// no-op while offline or while another drain is running. Items enqueued
// during a drain may be left for the next one.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	if !m.state.Online() {
		return nil
	}
	if !m.state.beginSync() {
		return nil
	}
	defer func() { m.state.endSync(m.now().UTC()) }()

	items, err := loadAllQueued(ctx, m.store)
	if err != nil {
		log.Printf("queue: drain: %v", err)
		return err
	}
	sortFIFO(items)
	if len(items) > 0 {
		log.Printf("queue: draining %d item(s)", len(items))
	}
	for _, q := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.state.Online() {
			log.Printf("queue: went offline mid-drain, stopping")
			return nil
		}
		if err := m.attempt(ctx, q.ID); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("queue: attempt %s: %v", q.ID, err)
		}
	}
	return nil
}

// RetryItem attempts one item now. It is a no-op while offline and returns
// ErrNotFound for an unknown id.
func (m *Manager) RetryItem(ctx context.Context, id string) error {
	if !m.state.Online() {
		return nil
	}
	return m.attempt(ctx, id)
}

// ClearQueue cancels every scheduled retry and drops all queued items.
func (m *Manager) ClearQueue(ctx context.Context) error {
	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	m.mu.Lock()
	m.epoch++
	for id, t := range m.timers {
		t.cancel()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	if err := m.store.Clear(ctx, CollectionOfflineQueue); err != nil {
		log.Printf("queue: clear: %v", err)
		return err
	}
	log.Printf("queue: cleared")
	return nil
}

// QueueStatus reports counts per category and the items, oldest first.
func (m *Manager) QueueStatus(ctx context.Context) (QueueStatus, error) {
	items, err := loadAllQueued(ctx, m.store)
	if err != nil {
		return QueueStatus{}, err
	}
	sortFIFO(items)
	st := QueueStatus{
		Total: len(items),
		ByType: map[Category]int{
			CategoryDonations:     0,
			CategoryRegistrations: 0,
			CategoryAnnouncements: 0,
			CategoryGeneral:       0,
		},
		Items: items,
	}
	for _, q := range items {
		st.ByType[q.Category]++
	}
	return st, nil
}

// Close cancels scheduled retries. Queued items stay in the store.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.cancel()
		delete(m.timers, id)
	}
}

func (m *Manager) schedule(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.timers[id]; ok {
		old.cancel()
	}
	t := &retryTimer{}
	m.timers[id] = t
	t.cancel = m.sched.After(d, func() { m.fire(id, t) })
}

func (m *Manager) cancelTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.cancel()
		delete(m.timers, id)
	}
}

func (m *Manager) fire(id string, t *retryTimer) {
	m.mu.Lock()
	if m.closed || m.timers[id] != t {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.mu.Unlock()

	// Offline: leave the item pending for the next drain.
	if !m.state.Online() {
		return
	}
	if err := m.attempt(context.Background(), id); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("queue: scheduled attempt %s: %v", id, err)
	}
}

func (m *Manager) attempt(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return nil
	}
	m.inflight[id] = struct{}{}
	epoch := m.epoch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	q, err := loadQueued(ctx, m.store, id)
	if err != nil {
		return err
	}

	replayErr := m.replay(ctx, q)

	ev, err := m.settle(ctx, q, epoch, replayErr)
	if err != nil {
		return err
	}
	if ev != nil {
		m.emitter.emit(*ev)
	}
	return nil
}

// settle applies the outcome of a replay to the store. It returns the event
// to emit, or nil when the item was retried or cleared mid-flight.
func (m *Manager) settle(ctx context.Context, q QueuedRequest, epoch uint64, replayErr error) (*Event, error) {
	m.settleMu.Lock()
	defer m.settleMu.Unlock()

	id := q.ID
	if m.staleAttempt(ctx, id, epoch) {
		log.Printf("queue: %s %s id=%s was cleared during replay, dropping outcome", q.Method, q.URL, id)
		return nil, nil
	}

	if replayErr == nil {
		m.cancelTimer(id)
		if err := m.store.Delete(ctx, CollectionOfflineQueue, id); err != nil {
			return nil, err
		}
		if m.stats != nil {
			m.stats.replayed.Add(1)
		}
		log.Printf("queue: replayed %s %s id=%s", q.Method, q.URL, id)
		return &Event{Type: EventSyncSuccess, ID: q.ID, Category: q.Category, URL: q.URL, Method: q.Method}, nil
	}

	next := q.RetryCount + 1
	if next > q.MaxRetries {
		m.cancelTimer(id)
		if err := m.store.Delete(ctx, CollectionOfflineQueue, id); err != nil {
			return nil, err
		}
		if m.stats != nil {
			m.stats.exhausted.Add(1)
		}
		log.Printf("queue: giving up on %s %s id=%s after %d retries: %v", q.Method, q.URL, id, q.RetryCount, replayErr)
		return &Event{
			Type:       EventSyncFailure,
			ID:         q.ID,
			Category:   q.Category,
			URL:        q.URL,
			Method:     q.Method,
			RetryCount: q.RetryCount,
			Err:        &RetryExhaustedError{ID: q.ID, RetryCount: q.RetryCount, Last: replayErr},
		}, nil
	}

	q.RetryCount = next
	if err := putJSON(ctx, m.store, CollectionOfflineQueue, q.ID, q, time.Time{}); err != nil {
		return nil, err
	}
	delay := m.retry.Delay(next)
	log.Printf("queue: %s %s id=%s failed, retry %d/%d in %s: %v", q.Method, q.URL, id, next, q.MaxRetries, delay, replayErr)
	m.schedule(id, delay)
	return nil, nil
}

// staleAttempt reports whether the queue was cleared, or the item removed,
// while its replay was in flight.
func (m *Manager) staleAttempt(ctx context.Context, id string, epoch uint64) bool {
	m.mu.Lock()
	cleared := m.epoch != epoch
	m.mu.Unlock()
	if cleared {
		return true
	}
	_, err := loadQueued(ctx, m.store, id)
	return errors.Is(err, ErrNotFound)
}

func (m *Manager) replay(ctx context.Context, q QueuedRequest) error {
	var body io.Reader
	if len(q.Body) > 0 {
		body = bytes.NewReader(q.Body)
	}
	req, err := http.NewRequestWithContext(ctx, q.Method, q.URL, body)
	if err != nil {
		return &NetworkError{Method: q.Method, URL: q.URL, Err: err}
	}
	for k, v := range q.Headers {
		req.Header.Set(k, v)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return &NetworkError{Method: q.Method, URL: q.URL, Err: err}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NetworkError{Method: q.Method, URL: q.URL, Status: resp.StatusCode}
	}
	return nil
}

func sortFIFO(items []QueuedRequest) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}
