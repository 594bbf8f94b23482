package ws

import (
	"sync"

	"pergola/internal/metrics"
	"pergola/internal/models"
)

func UserRoom(userID string) string {
	return "user:" + userID
}

func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}

// Hub maps rooms to the connections subscribed to them.
// Events are delivered only to connections joined at the time of the
// broadcast; nothing is buffered for absent users.
type Hub struct {
	// Map of room -> subscribed connections
	rooms map[string]map[*Connection]struct{}

	// Map of connection -> rooms it joined
	memberships map[*Connection]map[string]struct{}

	metrics *metrics.Metrics
	mu      sync.RWMutex
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Connection]struct{}),
		memberships: make(map[*Connection]map[string]struct{}),
		metrics:     m,
	}
}

func (h *Hub) Join(room string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}

	joined, ok := h.memberships[c]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[c] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes the connection from every room it joined.
func (h *Hub) Leave(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.memberships[c] {
		h.removeLocked(room, c)
	}
	delete(h.memberships, c)
}

func (h *Hub) removeLocked(room string, c *Connection) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast queues ev to every connection in room, skipping the
// connections of exceptUser when it is set. It returns the number of
// connections the event was queued to.
func (h *Hub) Broadcast(room string, ev models.ServerEvent, exceptUser string) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if exceptUser != "" && c.UserID == exceptUser {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, ev)
}

// BroadcastAll queues ev to every live connection except those of exceptUser.
func (h *Hub) BroadcastAll(ev models.ServerEvent, exceptUser string) int {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.memberships))
	for c := range h.memberships {
		if exceptUser != "" && c.UserID == exceptUser {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliver(targets, ev)
}

func (h *Hub) deliver(targets []*Connection, ev models.ServerEvent) int {
	sent := 0
	for _, c := range targets {
		if c.Send(ev) {
			sent++
		}
	}
	if sent > 0 {
		h.metrics.Deliveries.WithLabelValues(string(ev.Type)).Add(float64(sent))
	}
	return sent
}

// UserInRoom reports whether any connection of userID is in room.
func (h *Hub) UserInRoom(room, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseRoom unsubscribes every connection from room.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[room] {
		delete(h.memberships[c], room)
	}
	delete(h.rooms, room)
}

// DisconnectUser closes every connection of userID and returns how many
// there were.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.RLock()
	targets := make([]*Connection, 0)
	for c := range h.rooms[UserRoom(userID)] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Kick()
	}
	return len(targets)
}

// Close closes every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.memberships))
	for c := range h.memberships {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Kick()
	}
}
