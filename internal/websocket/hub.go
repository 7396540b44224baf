package websocket

import (
	"context"
	"sync"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/metrics"
)

// Hub is the registry of connected clients. Registry mutations are
// serialised through the Run loop via channels; PushToUser and Broadcast
// take a read lock only long enough to snapshot their targets, then send
// outside the lock so a full client buffer never blocks the event loop.
type Hub struct {
	// clients is the set of live connections. byUser indexes the same
	// connections by authenticated user for targeted pushes; a user with
	// several tabs open has several entries. The two maps are always
	// updated together.
	clients map[*Client]struct{}
	byUser  map[db.ID]map[*Client]struct{}

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits; no frames are delivered after.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[db.ID]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call exactly once, in its own
// goroutine; it exits when ctx is cancelled, closing every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			if h.byUser[client.userID] == nil {
				h.byUser[client.userID] = make(map[*Client]struct{})
			}
			h.byUser[client.userID][client] = struct{}{}
			metrics.SetConnectedClients(len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			}
			metrics.SetConnectedClients(len(h.clients))
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.byUser = make(map[db.ID]map[*Client]struct{})
			metrics.SetConnectedClients(0)
			h.mu.Unlock()
			return
		}
	}
}

// remove detaches a client from both maps and closes its send channel so
// the write pump drains and exits. Caller holds h.mu.
func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	if set := h.byUser[client.userID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byUser, client.userID)
		}
	}
	close(client.send)
}

// PushToUser sends a frame to every live connection of one user. Safe to
// call from any goroutine. A client whose buffer is full is disconnected
// so a slow consumer cannot stall delivery to others.
func (h *Hub) PushToUser(userID db.ID, message []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.send(targets, message)
}

// Broadcast sends a frame to every connected client.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.send(targets, message)
}

func (h *Hub) send(targets []*Client, message []byte) {
	for _, c := range targets {
		select {
		case c.send <- message:
		default:
			// Buffer full: the client is too slow to keep up.
			h.Unsubscribe(c)
		}
	}
}

// Subscribe registers a client after the upgrade handshake.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe detaches a client; called by its read pump on close.
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// ConnectedCount returns the number of live connections, for metrics and
// the health endpoint.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
