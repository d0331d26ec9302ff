package realtime

import (
	"sync"

	"github.com/ericfitz/realtime/internal/metrics"
)

// ClientLister is the view of local connections the fanout path needs.
type ClientLister interface {
	// RoomClients returns the locally-held connections that are members of
	// the room. The slice may contain duplicate handles for one connection;
	// consumers deduplicate by local id.
	RoomClients(roomID string) []*Client
	// AllClients returns every locally-held connection.
	AllClients() []*Client
}

// Hub is the registry of locally-held connections and their room
// membership. A room has no storage of its own: it exists exactly as long as
// at least one local connection is a member.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // local id -> client
	rooms   map[string]map[string]*Client // room id -> local id -> client
}

// NewHub creates an empty registry.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Register adds a connection to the registry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	metrics.ConnectedClients.Set(float64(len(h.clients)))
}

// Unregister removes a connection. Room membership must already have been
// released via the RoomManager.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.ID)
	metrics.ConnectedClients.Set(float64(len(h.clients)))
}

func (h *Hub) join(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[roomID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[roomID] = room
	}
	room[c.ID] = c
}

func (h *Hub) leave(roomID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, c.ID)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// RoomCount returns the number of local members of a room.
func (h *Hub) RoomCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// RoomClients returns a snapshot of the local members of a room.
func (h *Hub) RoomClients(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[roomID]
	clients := make([]*Client, 0, len(room))
	for _, c := range room {
		clients = append(clients, c)
	}
	return clients
}

// AllClients returns a snapshot of every locally-held connection.
func (h *Hub) AllClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// ClientRooms returns the rooms a connection is currently a member of.
func (h *Hub) ClientRooms(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var roomIDs []string
	for roomID, room := range h.rooms {
		if _, ok := room[c.ID]; ok {
			roomIDs = append(roomIDs, roomID)
		}
	}
	return roomIDs
}
