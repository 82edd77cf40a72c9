package interfaces

import (
	"context"

	"codepair/pkg/types"
)

// SessionStore is the durable table of session records
// ARCHITECTURAL DISCOVERY: Conditional writes live in the store so that
// same-session mutations serialize at the data layer without in-process locks
type SessionStore interface {
	// InsertSession persists a brand-new session record
	InsertSession(ctx context.Context, session *types.Session) error

	// GetSession retrieves a session by ID; ErrSessionNotFound when absent
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// CompareAndSetParticipant fills the participant slot only if it currently
	// holds expected ("" meaning empty) and the session is still active.
	// FUNCTIONAL DISCOVERY: Returns false, nil when the condition did not hold
	// so two simultaneous joiners produce exactly one winner
	CompareAndSetParticipant(ctx context.Context, sessionID, expected, participantID string) (bool, error)

	// CompareAndSetStatus moves status from expected to next atomically
	CompareAndSetStatus(ctx context.Context, sessionID string, expected, next types.Status) (bool, error)

	// QueryActive returns active sessions, newest first, at most limit
	QueryActive(ctx context.Context, limit int) ([]*types.Session, error)

	// QueryByMember returns sessions with the given status where userID is
	// host or participant, newest first, at most limit
	QueryByMember(ctx context.Context, userID string, status types.Status, limit int) ([]*types.Session, error)
}

// UserStore maps internal and external user identities
type UserStore interface {
	UpsertUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, userID string) (*types.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*types.User, error)
}

// EventStore is the append-only session event log
type EventStore interface {
	AppendEvent(ctx context.Context, event *types.Event) error
	ListEvents(ctx context.Context, sessionID string) ([]*types.Event, error)
}

// DatabaseManager handles all database operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent connection management and shutdown
type DatabaseManager interface {
	SessionStore
	UserStore
	EventStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
