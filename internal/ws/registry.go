package ws

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry tracks open websocket connections for inspection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]ConnInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]ConnInfo)}
}

// Add registers a connection.
func (r *Registry) Add(info ConnInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[info.ConnID] = info
}

// Remove forgets a connection.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns every open connection, oldest first.
func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	out := lo.Values(r.conns)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ForUser returns the open connections of userID, oldest first.
func (r *Registry) ForUser(userID string) []ConnInfo {
	return lo.Filter(r.List(), func(info ConnInfo, _ int) bool { return info.UserID == userID })
}
