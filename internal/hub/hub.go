// Package hub tracks the live connections of every authenticated user.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Registry manages all live connections, indexed by user id.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[int64]map[string]*Connection),
	}
}

// Register adds a connection for userID.
func (r *Registry) Register(userID int64, conn *Connection) {
	r.mu.Lock()
	conns := r.users[userID]
	if conns == nil {
		conns = make(map[string]*Connection)
		r.users[userID] = conns
	}
	conns[conn.ID] = conn
	r.mu.Unlock()
	log.Printf("Connection registered: %s (user: %d)", conn.ID, userID)
}

// Unregister removes a connection and closes its outbound queue. The user
// entry is dropped with its last connection. Returns false if the
// connection was not registered.
func (r *Registry) Unregister(userID int64, conn *Connection) bool {
	r.mu.Lock()
	conns, ok := r.users[userID]
	if ok {
		_, ok = conns[conn.ID]
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}
	r.mu.Unlock()

	if ok {
		conn.closeSend()
		log.Printf("Connection unregistered: %s (user: %d)", conn.ID, userID)
	}
	return ok
}

// Send marshals message once and delivers it to every connection of userID.
func (r *Registry) Send(userID int64, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	r.SendBytes(userID, data)
	return nil
}

// SendBytes delivers data to every connection of userID and returns how many
// accepted it. A connection that cannot accept is dropped without affecting
// the others.
func (r *Registry) SendBytes(userID int64, data []byte) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if err := c.Enqueue(data); err != nil {
			log.Printf("WARN: connection %s (user: %d) dropped: %v", c.ID, userID, err)
			r.Unregister(userID, c)
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of live connections of userID.
func (r *Registry) Count(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.users {
		n += len(conns)
	}
	return n
}

// IdentityCount returns the number of users with at least one connection.
func (r *Registry) IdentityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
