package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LiveEvent is one push on the /api/live feed: decoded-state version
// bumps and session lifecycle changes, enough for a UI to know when to
// re-poll without streaming every frame.
type LiveEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// LiveHub fans LiveEvents out to websocket clients and in-process
// subscribers. Slow in-process subscribers lose events rather than stall
// the broadcast.
type LiveHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]struct{}
	upgrader websocket.Upgrader
	wmu      sync.Mutex

	lmu       sync.RWMutex
	listeners map[chan LiveEvent]struct{}
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		clients:   make(map[*websocket.Conn]struct{}),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		listeners: make(map[chan LiveEvent]struct{}),
	}
}

func (h *LiveHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	_ = c.SetReadDeadline(time.Time{})
	for {
		// keepalive reads to detect client close
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.Close()
}

func (h *LiveHub) Broadcast(ev LiveEvent) {
	data, _ := json.Marshal(ev)
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	h.lmu.RLock()
	subs := make([]chan LiveEvent, 0, len(h.listeners))
	for ch := range h.listeners {
		subs = append(subs, ch)
	}
	h.lmu.RUnlock()

	// one writer per conn in gorilla/websocket
	h.wmu.Lock()
	for _, c := range clients {
		_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
	h.wmu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel receiving live events. Caller must
// Unsubscribe.
func (h *LiveHub) Subscribe() chan LiveEvent {
	ch := make(chan LiveEvent, 256)
	h.lmu.Lock()
	h.listeners[ch] = struct{}{}
	h.lmu.Unlock()
	return ch
}

func (h *LiveHub) Unsubscribe(ch chan LiveEvent) {
	h.lmu.Lock()
	if _, ok := h.listeners[ch]; ok {
		delete(h.listeners, ch)
		close(ch)
	}
	h.lmu.Unlock()
}
