package websocket

import (
	"sync"
)

// Registry maps user identities to their open connections. A user may
// hold several at once (tabs, devices), so the value is a set and a
// second registration for the same user never displaces the first.
// The registry carries no persisted state; it is rebuilt entirely from
// reconnect handshakes.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]map[*Connection]struct{}),
	}
}

// Register adds a connection to the user's set. Idempotent per
// connection. No I/O happens under the lock.
func (r *Registry) Register(userID string, conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if userID == "" {
		return ErrEmptyUserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.connections[userID]
	if !ok {
		set = make(map[*Connection]struct{})
		r.connections[userID] = set
	}
	set[conn] = struct{}{}
	return nil
}

// Unregister removes a connection wherever it was registered. Safe to
// call for connections that never registered, which happens when a
// handshake fails partway.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	set, ok := r.connections[userID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.connections, userID)
	}
}

// ConnectionsFor returns a snapshot of the user's live connections.
// The returned slice is safe to iterate without holding the lock.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.connections[userID]
	if !ok {
		return nil
	}
	conns := make([]*Connection, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Stats returns connection counts for the health endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, set := range r.connections {
		total += len(set)
	}
	return map[string]int{
		"connected_users":   len(r.connections),
		"total_connections": total,
	}
}
