// Package ws is the realtime session transport. Each connected browser gets
// one Client pinned to one timer; the Hub indexes clients by timer so fleet
// events and control frames fan out to exactly the sessions watching that
// countdown.
package ws

import (
	"log/slog"
	"sync"
)

// Hub tracks the websocket sessions attached to this server, grouped by
// timer. All methods are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	byTimer map[string]map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty session hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		byTimer: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.byTimer[c.timerID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.byTimer[c.timerID] = clients
	}
	clients[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.byTimer[c.timerID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.byTimer, c.timerID)
	}
}

// BroadcastToTimer pushes a frame to every local session on a timer. Sends
// never block: a client whose buffer is full cannot keep up with the event
// rate and is disconnected rather than stalling the fan-out.
func (h *Hub) BroadcastToTimer(timerID string, message []byte) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.byTimer[timerID] {
		if !c.trySend(message) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("disconnecting slow websocket client",
			slog.String("timer_id", timerID),
			slog.String("session_id", c.sessionID),
		)
		c.close()
	}
}

// SessionCount returns the number of sessions attached to this server.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.byTimer {
		n += len(clients)
	}
	return n
}

// Shutdown closes every session. Called during graceful shutdown after the
// HTTP listener stops accepting upgrades.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Client
	for _, clients := range h.byTimer {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.byTimer = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}
