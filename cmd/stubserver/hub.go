package main

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"chatsync/internal/models"
)

// client is one live socket with its writer lock. Gorilla permits a single
// concurrent writer per connection.
type client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (c *client) send(event models.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(event); err != nil {
		log.Printf("ws write to %s failed: %v", c.userID, err)
	}
}

// Hub tracks live sockets per user and the DM rooms each user has joined.
// Channel events fan out to every socket; conversation events fan out to the
// two participants only.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	byUser  map[string]map[*client]bool
	rooms   map[string]map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: map[*client]bool{},
		byUser:  map[string]map[*client]bool{},
		rooms:   map[string]map[string]bool{},
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = map[*client]bool{}
	}
	h.byUser[c.userID][c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if set := h.byUser[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
}

// Online reports whether the user has at least one live socket.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) joinRoom(userID, targetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[targetID] == nil {
		h.rooms[targetID] = map[string]bool{}
	}
	h.rooms[targetID][userID] = true
}

func (h *Hub) leaveRoom(userID, targetID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.rooms[targetID]; set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(h.rooms, targetID)
		}
	}
}

// BroadcastAll delivers a channel-scope event to every live socket except the
// excluded user's own.
func (h *Hub) BroadcastAll(event models.StreamEvent, excludeUser string) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.userID == excludeUser {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.send(event)
	}
}

// BroadcastUsers delivers an event to every socket of the named users.
func (h *Hub) BroadcastUsers(event models.StreamEvent, userIDs ...string) {
	h.mu.RLock()
	var targets []*client
	for _, id := range userIDs {
		for c := range h.byUser[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.send(event)
	}
}

// BroadcastRoom delivers an event to users joined to the target's room,
// excluding the originator.
func (h *Hub) BroadcastRoom(targetID string, event models.StreamEvent, excludeUser string) {
	h.mu.RLock()
	var ids []string
	for id := range h.rooms[targetID] {
		if id != excludeUser {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	h.BroadcastUsers(event, ids...)
}

// readPump consumes client frames until the socket closes. Typing frames relay
// to the room; join/leave maintain room membership. Unknown frames are dropped.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		var frame models.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case models.FrameJoinRoom:
			h.joinRoom(c.userID, frame.TargetID)
		case models.FrameLeaveRoom:
			h.leaveRoom(c.userID, frame.TargetID)
		case models.FrameTypingStart, models.FrameTypingStop:
			h.BroadcastRoom(frame.TargetID, models.StreamEvent{
				Type:     frame.Type,
				TargetID: frame.TargetID,
				UserID:   c.userID,
			}, c.userID)
		}
	}
}
