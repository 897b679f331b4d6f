package events

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/orchestrator/devchain/internal/logging"
)

// Message is one broadcast frame on the realtime channel: either a
// topic/payload envelope (event_created, handler_recorded) or the
// shared system error envelope from spec §7.
type Message struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	TS      int64  `json:"ts"`
}

// Hub broadcasts Messages to every connected websocket client. Grounded
// on gorilla/websocket's canonical hub pattern: a register/unregister
// channel pair plus a fan-out broadcast channel, all owned by one
// goroutine so client-set mutation never races with broadcast.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan Message
	mu         sync.Mutex
}

// NewHub constructs a Hub and starts its run loop.
func NewHub() *Hub {
	h := &Hub{
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		clients:    make(map[*websocket.Conn]chan Message),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan Message, 256),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = make(chan Message, 32)
			ch := h.clients[conn]
			h.mu.Unlock()
			go h.writeLoop(conn, ch)
		case conn := <-h.unregister:
			h.mu.Lock()
			if ch, ok := h.clients[conn]; ok {
				close(ch)
				delete(h.clients, conn)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for _, ch := range h.clients {
				select {
				case ch <- msg:
				default: // slow client, drop rather than block the bus
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan Message) {
	defer conn.Close()
	for msg := range ch {
		if err := conn.WriteJSON(msg); err != nil {
			logging.WithComponent("events").Warn("websocket write failed", "error", err)
			h.unregister <- conn
			return
		}
	}
}

// Broadcast enqueues msg for delivery to every connected client.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		logging.WithComponent("events").Warn("broadcast channel full, dropping message", "topic", msg.Topic)
	}
}

// ServeHTTP upgrades the request to a websocket connection and
// registers it with the hub. Intended to be mounted on the
// orchestrator's own realtime namespace, distinct from the worktree
// proxy's upgrade handling (spec §4.6).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithComponent("events").Warn("websocket upgrade failed", "error", err)
		return
	}
	h.register <- conn
}

func encodePayload(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
