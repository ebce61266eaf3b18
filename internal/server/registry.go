package server

import (
	"sync"

	"github.com/samber/lo"
)

// Registry is the set of live connections. Every mutation is atomic with
// respect to Snapshot, and Snapshot copies the membership and releases the
// lock before the caller iterates.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Connection),
	}
}

// Add inserts conn. Adding a connection that is already present is a no-op
// and reports false.
func (r *Registry) Add(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}
	r.conns[conn.ID()] = conn
	return true
}

// Remove deletes conn if it is a member and reports whether it was.
func (r *Registry) Remove(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[conn.ID()]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, conn.ID())
	return true
}

// Contains reports whether conn is a member.
func (r *Registry) Contains(conn Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current, ok := r.conns[conn.ID()]
	return ok && current == conn
}

// Snapshot returns a copy of the current membership in no particular order.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.conns)
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
