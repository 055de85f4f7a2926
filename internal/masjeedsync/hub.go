package masjeedsync

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The sidecar is bound to the device; the PWA origin differs from ours.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope wraps every message pushed to the UI.
type wsEnvelope struct {
	Type      string `json:"type"`
	Data      Event  `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// eventHub pushes queue and connectivity events to websocket clients.
type eventHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	unsub   func()
}

func newEventHub(em *Emitter) *eventHub {
	h := &eventHub{clients: map[*wsClient]struct{}{}}
	h.unsub = em.Subscribe(h.broadcast)
	return h
}

func (h *eventHub) broadcast(ev Event) {
	b, err := json.Marshal(wsEnvelope{Type: ev.Type, Data: ev, Timestamp: ev.At.Unix()})
	if err != nil {
		log.Printf("hub: marshal %s: %v", ev.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			// Slow reader: drop it rather than block the emitter.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("hub: client connected (total: %d)", n)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound frames and unregisters the client on close.
func (h *eventHub) readLoop(c *wsClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) writeLoop(c *wsClient) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *eventHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *eventHub) close() {
	h.unsub()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
