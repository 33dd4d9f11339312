// Package ws pushes committed game events to websocket subscribers.
// The feed is broadcast-only: clients connect, receive events, and
// never send anything but pings.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"clawquest.ai/internal/protocol"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	// Per-client send buffer; slow clients get dropped, not queued.
	clientBuffer = 256
)

type Hub struct {
	log      *log.Logger
	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]chan []byte
	closed  bool
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[uint64]chan []byte{},
	}
}

// Publish fans the event out to every connected client. Clients whose
// buffers are full are disconnected rather than allowed to stall the
// rest.
func (h *Hub) Publish(event string, payload any) {
	b, err := json.Marshal(protocol.Event{Type: event, Payload: payload})
	if err != nil {
		if h.log != nil {
			h.log.Printf("drop unmarshalable event %s: %v", event, err)
		}
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- b:
		default:
			close(ch)
			delete(h.clients, id)
			if h.log != nil {
				h.log.Printf("client %d too slow, dropped", id)
			}
		}
	}
}

// ClientCount reports how many subscribers are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

func (h *Hub) register() (uint64, chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	id := h.nextID.Add(1)
	ch := make(chan []byte, clientBuffer)
	h.clients[id] = ch
	return id, ch, true
}

func (h *Hub) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

// Handler upgrades the request and streams events until the client
// disconnects.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, ch, ok := h.register()
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer h.unregister(id)

		// Writer goroutine; the reader loop below only watches for
		// disconnects.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for b := range ch {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		h.unregister(id)
		<-done
	}
}
