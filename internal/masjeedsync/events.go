package masjeedsync

import (
	"log"
	"sync"
	"time"
)

// Event names delivered to subscribers.
const (
	EventRequestQueued      = "offline-request-queued"
	EventSyncSuccess        = "offline-sync-success"
	EventSyncFailure        = "offline-sync-failure"
	EventConnectivityOnline = "connectivity-online"
	EventConnectivityOff    = "connectivity-offline"
)

// Event describes something that happened to a queued request or to
// connectivity. RetryCount and Err are only meaningful on failure events.
type Event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id,omitempty"`
	Category   Category  `json:"category,omitempty"`
	URL        string    `json:"url,omitempty"`
	Method     string    `json:"method,omitempty"`
	RetryCount int       `json:"retryCount"`
	At         time.Time `json:"at"`
	Err        error     `json:"-"`
}

// EventHandler receives events. A panicking handler is logged and skipped.
type EventHandler func(Event)

// Emitter fans events out to subscribers.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: map[int]EventHandler{}}
}

// Subscribe registers h for every event and returns its unsubscribe func.
func (e *Emitter) Subscribe(h EventHandler) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

// On registers h for events of one type only.
func (e *Emitter) On(eventType string, h EventHandler) (unsubscribe func()) {
	return e.Subscribe(func(ev Event) {
		if ev.Type == eventType {
			h(ev)
		}
	})
}

func (e *Emitter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.RLock()
	hs := make([]EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("events: handler panic on %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
