package gateway

import (
	"errors"
	"slices"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// ErrTooManyConnections is returned by Add when the client's address is at
// its connection cap.
var ErrTooManyConnections = errors.New("too many connections from address")

// ClientRegistry tracks connected websocket clients.
type ClientRegistry struct {
	maxPerIP int

	mu      sync.RWMutex
	clients map[string]*Client
	perIP   map[string]int
}

// NewClientRegistry creates an empty registry. maxPerIP caps concurrent
// connections per remote address; 0 means unlimited.
func NewClientRegistry(maxPerIP int) *ClientRegistry {
	return &ClientRegistry{
		maxPerIP: maxPerIP,
		clients:  make(map[string]*Client),
		perIP:    make(map[string]int),
	}
}

// Add stores a client under its ID.
func (r *ClientRegistry) Add(client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxPerIP > 0 && r.perIP[client.IPAddress] >= r.maxPerIP {
		return ErrTooManyConnections
	}
	if _, replaced := r.clients[client.ID]; !replaced {
		r.perIP[client.IPAddress]++
	}
	r.clients[client.ID] = client
	return nil
}

// Remove forgets a client. Removing an unknown ID is a no-op.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(clientID)
}

func (r *ClientRegistry) removeLocked(clientID string) *Client {
	client, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	delete(r.clients, clientID)
	if r.perIP[client.IPAddress]--; r.perIP[client.IPAddress] <= 0 {
		delete(r.perIP, client.IPAddress)
	}
	return client
}

// Get retrieves a client by ID.
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[clientID]
	return client, ok
}

// Authenticated returns the clients that completed the handshake.
func (r *ClientRegistry) Authenticated() []*Client {
	return r.filter(func(c *Client) bool { return c.Authenticated })
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, c := range r.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Snapshot describes all clients, oldest connection first.
func (r *ClientRegistry) Snapshot() []ClientInfo {
	now := time.Now()

	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b ClientInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return infos
}

// Touch records activity for a client.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
}

// ExpireHandshakes removes clients whose auth challenge lapsed before they
// answered it and returns them so the caller can close their connections.
func (r *ClientRegistry) ExpireHandshakes(now time.Time) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Client
	for id, c := range r.clients {
		if c.Authenticated || c.ChallengeExpires.IsZero() || now.Before(c.ChallengeExpires) {
			continue
		}
		c.State = StateDisconnected
		expired = append(expired, r.removeLocked(id))
	}
	return expired
}

// CloseAll closes every connection and empties the registry.
func (r *ClientRegistry) CloseAll() int {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.perIP = make(map[string]int)
	r.mu.Unlock()

	for _, c := range clients {
		c.State = StateDisconnected
		_ = c.Conn.Close()
	}
	return len(clients)
}

// Update runs fn while holding the registry lock so that client fields read
// by broadcasts are mutated safely.
func (r *ClientRegistry) Update(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}
