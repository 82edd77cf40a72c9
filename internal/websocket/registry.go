package websocket

import (
	"log"
	"sync"
)

// Registry tracks watcher connections per session
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping without business logic;
// the hub asks it for a session's watchers when broadcasting
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Connection // sessionID -> userID -> Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]*Connection),
	}
}

// RegisterConnection adds a connection under its session and user
// FUNCTIONAL DISCOVERY: One watcher per user per session; a second watch from
// the same user replaces the first, which is closed asynchronously
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	sessionID := conn.GetSessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := r.sessions[sessionID]
	if watchers == nil {
		watchers = make(map[string]*Connection)
		r.sessions[sessionID] = watchers
	}
	if existing, exists := watchers[userID]; exists && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection: %v", err)
			}
		}()
	}
	watchers[userID] = conn

	return nil
}

// UnregisterConnection removes conn if it is still the registered instance
// RACE CONDITION FIX: A replaced connection cleaning up late must not remove its successor
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	userID := conn.GetUserID()
	sessionID := conn.GetSessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	watchers, exists := r.sessions[sessionID]
	if !exists || watchers[userID] != conn {
		return
	}
	delete(watchers, userID)
	if len(watchers) == 0 {
		delete(r.sessions, sessionID)
	}
}

// GetConnection returns a user's watcher for a session
func (r *Registry) GetConnection(sessionID, userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.sessions[sessionID][userID]
	return conn, exists
}

// GetSessionConnections returns all watchers of a session for broadcasting
func (r *Registry) GetSessionConnections(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	watchers := r.sessions[sessionID]
	connections := make([]*Connection, 0, len(watchers))
	for _, conn := range watchers {
		connections = append(connections, conn)
	}
	return connections
}

// CloseAll closes every registered connection, used at shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, watchers := range all {
		for _, conn := range watchers {
			if err := conn.Close(); err != nil {
				log.Printf("Failed to close connection during shutdown: %v", err)
			}
		}
	}
}

// GetStats returns registry statistics for the health endpoint
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, watchers := range r.sessions {
		total += len(watchers)
	}
	return map[string]int{
		"total_connections": total,
		"watched_sessions":  len(r.sessions),
	}
}
