package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

const (
	writeWait = 100 * time.Millisecond
	// sendBuffer is the number of events queued per client before it is
	// dropped as too slow.
	sendBuffer = 64
)

// Event is one websocket message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client owns the write side of one connection. Only writePump writes to
// conn.
type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans events out to websocket clients. It also serves as a telemetry
// export sink.
type Hub struct {
	clients map[*websocket.Conn]*client
	mu      sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]*client),
	}
}

// Add registers conn and starts its writer. After Add, write to conn only
// through Send or Broadcast.
func (h *Hub) Add(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	for event := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			config.Debugf("Dropping websocket client %s: %v", c.conn.RemoteAddr(), err)
			h.Remove(c.conn)
			return
		}
	}
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *Hub) removeLocked(conn *websocket.Conn) {
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	close(c.send)
	conn.Close()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send queues event for one client.
func (h *Hub) Send(conn *websocket.Conn, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[conn]; ok {
		h.enqueueLocked(c, event)
	}
}

// Broadcast queues event for every client. Clients whose queue is full are
// dropped.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.enqueueLocked(c, event)
	}
}

func (h *Hub) enqueueLocked(c *client, event Event) {
	select {
	case c.send <- event:
	default:
		config.Debugf("Dropping slow websocket client %s", c.conn.RemoteAddr())
		h.removeLocked(c.conn)
	}
}

func (h *Hub) Name() string { return "websocket" }

// Publish broadcasts a telemetry event.
func (h *Hub) Publish(_ context.Context, r protocol.Record) error {
	h.Broadcast(Event{Type: "telemetry", Data: r})
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.removeLocked(conn)
	}
	return nil
}
