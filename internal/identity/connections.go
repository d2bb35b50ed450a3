package identity

import (
	"context"
	"sync"
)

// Connections counts live client connections per user on a server. A user signs in with the
// first connection and signs out when the last one closes.
type Connections struct {
	mu     sync.Mutex
	counts map[string]int
	feed   feed
}

// NewConnections returns an empty registry.
func NewConnections() *Connections {
	return &Connections{counts: make(map[string]int)}
}

// Connect registers one connection of userID. Transitions are emitted while holding the
// registry lock so a racing Disconnect cannot reorder them.
func (c *Connections) Connect(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	if c.counts[userID] == 1 {
		c.feed.emit(AuthChange{SignedIn: true, UserID: userID})
	}
}

// Disconnect releases one connection of userID.
func (c *Connections) Disconnect(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[userID]
	if !ok {
		return
	}
	if n > 1 {
		c.counts[userID] = n - 1
		return
	}
	delete(c.counts, userID)
	c.feed.emit(AuthChange{SignedIn: false, UserID: userID})
}

// Count returns the live connections of userID.
func (c *Connections) Count(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID]
}

// OnAuthChange streams first-connect and last-disconnect transitions.
func (c *Connections) OnAuthChange(ctx context.Context) <-chan AuthChange {
	return c.feed.subscribe(ctx)
}
