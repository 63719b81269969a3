package bridge

import (
	"sort"
	"sync"
)

// Registry tracks a server's live connections and which of them receive
// broadcasts. A connection is broadcast-eligible from accept until it is
// classified as HTTP, and leaves the registry when it closes.
type Registry struct {
	mu        sync.RWMutex
	conns     map[uint64]*Conn
	broadcast map[uint64]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[uint64]*Conn),
		broadcast: make(map[uint64]struct{}),
	}
}

// Add registers c as live and broadcast-eligible.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
	r.broadcast[c.id] = struct{}{}
}

// Remove drops c and reports whether it was registered.
func (r *Registry) Remove(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	delete(r.conns, c.id)
	delete(r.broadcast, c.id)
	return true
}

// ExcludeFromBroadcast keeps c registered but stops broadcasts to it.
func (r *Registry) ExcludeFromBroadcast(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.broadcast, c.id)
}

// Broadcastable returns a snapshot of the broadcast-eligible connections,
// ordered by accept order.
func (r *Registry) Broadcastable() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.broadcast))
	for id := range r.broadcast {
		out = append(out, r.conns[id])
	}
	sortConns(out)
	return out
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sortConns(out)
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastLen returns the number of broadcast-eligible connections.
func (r *Registry) BroadcastLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.broadcast)
}

func sortConns(conns []*Conn) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].id < conns[j].id })
}
