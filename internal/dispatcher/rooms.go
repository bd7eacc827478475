package dispatcher

import (
	"sync"

	ws "tutorlink/internal/websocket"
)

// Rooms tracks which connections have joined which fanout rooms. Room
// membership is a client-initiated subscription, distinct from registry
// membership: a tutor can be online without watching any particular
// chat, and joins only the session currently on screen.
type Rooms struct {
	mu     sync.RWMutex
	byRoom map[string]map[*ws.Connection]struct{}
	byConn map[*ws.Connection]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		byRoom: make(map[string]map[*ws.Connection]struct{}),
		byConn: make(map[*ws.Connection]map[string]struct{}),
	}
}

// Join subscribes a connection to a room. Idempotent.
func (r *Rooms) Join(roomKey string, conn *ws.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.byRoom[roomKey]
	if !ok {
		members = make(map[*ws.Connection]struct{})
		r.byRoom[roomKey] = members
	}
	members[conn] = struct{}{}

	joined, ok := r.byConn[conn]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[conn] = joined
	}
	joined[roomKey] = struct{}{}
}

// LeaveAll removes a connection from every room it joined. Called on
// disconnect; safe for connections that never joined anything.
func (r *Rooms) LeaveAll(conn *ws.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.byConn[conn]
	if !ok {
		return
	}
	for roomKey := range joined {
		members := r.byRoom[roomKey]
		delete(members, conn)
		if len(members) == 0 {
			delete(r.byRoom, roomKey)
		}
	}
	delete(r.byConn, conn)
}

// Members returns a snapshot of a room's connections.
func (r *Rooms) Members(roomKey string) []*ws.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.byRoom[roomKey]
	if !ok {
		return nil
	}
	conns := make([]*ws.Connection, 0, len(members))
	for conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

// contains reports whether a connection is currently in a room.
func (r *Rooms) contains(roomKey string, conn *ws.Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byRoom[roomKey][conn]
	return ok
}
