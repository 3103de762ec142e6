package ws

import (
	"log/slog"
	"sync"
)

// Hub fans pushed messages out to every socket a user has open.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*Client]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		users:  make(map[string]map[*Client]struct{}),
		logger: logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[*Client]struct{})
	}
	h.users[c.UserID][c] = struct{}{}
	h.logger.Debug("ws register",
		"user", c.UserID,
		"clients", len(h.users[c.UserID]),
	)
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.users[c.UserID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.Send)
	if len(clients) == 0 {
		delete(h.users, c.UserID)
	}
	h.logger.Debug("ws unregister", "user", c.UserID)
}

func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) Push(userID string, data []byte) {
	if data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.users[userID] {
		select {
		case c.Send <- data:
			sent++
		default:
			h.logger.Warn("ws dropped message", "user", userID)
		}
	}

	h.logger.Debug("ws push",
		"user", userID,
		"recipients", sent,
	)
}
