// Package websocket streams operational events (tick reports, batch job
// reports, lifecycle changes) to connected dashboard clients.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event is one operational event broadcast to all connected clients.
type Event struct {
	Kind string    `json:"kind"` // e.g. "reminder_tick", "batch_job", "scheduler_state"
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// NewEvent creates an Event stamped with the current time.
func NewEvent(kind string, data any) Event {
	return Event{Kind: kind, At: time.Now().UTC(), Data: data}
}

// Hub maintains the set of active WebSocket clients and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends an event to all connected clients. Slow clients are not
// waited for: a full buffer drops the event for that client.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "kind", ev.Kind, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
