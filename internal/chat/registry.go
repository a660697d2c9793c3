package chat

import (
	"sort"
	"sync"
)

// Registry maps a user id to that user's current live connection.
// It is the only in-memory state shared between connection goroutines.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register makes c the live connection for its user and returns the
// connection it replaced, if any. The caller is responsible for closing it.
func (r *Registry) Register(c *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[c.UserID()]
	r.conns[c.UserID()] = c
	if prev == c {
		return nil
	}
	return prev
}

// Deregister removes c only if it is still the registered connection for
// its user, and reports whether it did.
func (r *Registry) Deregister(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[c.UserID()]; ok && cur == c {
		delete(r.conns, c.UserID())
		return true
	}
	return false
}

func (r *Registry) Lookup(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[userID]
	return c, ok
}

// ListOnline returns the ids of every connected user, sorted.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
