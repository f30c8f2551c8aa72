package ws

import (
	"context"
	"sync"
)

// UserRoom names the logical broadcast channel for a user. Every connection
// a user opens joins this room, and anything addressed to the user is
// written to it.
func UserRoom(userID string) string {
	return "user:" + userID
}

// Hub groups WebSocket clients into rooms. Room membership is scoped to
// the connection's lifetime: a client joins its user room when it is added
// and membership disappears when the client is removed, with no separate
// leave step.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	conns *ConnManager
}

// NewHub creates a new Hub.
func NewHub(opts ...ConnManagerOption) *Hub {
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		conns: NewConnManager(opts...),
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// addClient registers a client, joins it to its user room, and starts its
// write pump. Returns a context that is cancelled when the client is
// removed.
func (h *Hub) addClient(c *Client) context.Context {
	ctx := h.conns.Add(c)
	if ctx.Err() != nil {
		// Refused by the manager; no room membership to establish.
		return ctx
	}

	room := UserRoom(c.userID)
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()

	return ctx
}

// removeClient unregisters a client, which implicitly ends its room
// membership and stops its write pump.
func (h *Hub) removeClient(c *Client) {
	h.conns.Remove(c)

	room := UserRoom(c.userID)
	h.mu.Lock()
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// Broadcast sends raw envelope bytes to every client in a room.
func (h *Hub) Broadcast(room string, data []byte) {
	h.mu.RLock()
	clients := h.rooms[room]
	// Copy the set so we can release the lock before sending.
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.conns.Send(c, data)
	}
}

// BroadcastExcept sends raw envelope bytes to every connected client
// except the given one. Used for user:online / user:offline fan-out.
func (h *Hub) BroadcastExcept(except *Client, data []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0)
	for _, clients := range h.rooms {
		for c := range clients {
			if c != except {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.conns.Send(c, data)
	}
}

// RoomCount returns the number of connected clients in a room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
