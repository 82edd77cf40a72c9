package interfaces

// Connection represents a watcher's WebSocket connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and event fan-out
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the watching user's internal ID
	GetUserID() string

	// GetSessionID returns the session this connection watches
	GetSessionID() string

	// IsAuthenticated returns true once credentials were attached
	IsAuthenticated() bool

	// SetCredentials binds the connection to a user and session after authentication
	SetCredentials(userID, sessionID string) error
}
