package interfaces

import (
	"context"

	"codepair/pkg/types"
)

// SessionCoordinator handles session lifecycle operations
// ARCHITECTURAL DISCOVERY: Context-first design pattern ensures proper
// cancellation and timeout handling across store and provider calls
type SessionCoordinator interface {
	// Create persists a new active session then provisions its call and channel
	Create(ctx context.Context, problem, difficulty string, host *types.User) (*types.Session, error)

	// Join occupies the single participant slot and adds the caller to the channel
	Join(ctx context.Context, sessionID string, caller *types.User) (*types.Session, error)

	// End completes the session (host only) and tears down external resources
	End(ctx context.Context, sessionID string, caller *types.User) (*types.Session, error)
}

// SessionQuery is the read side layered on the session store
type SessionQuery interface {
	Active(ctx context.Context) ([]*types.SessionView, error)
	MyRecent(ctx context.Context, caller *types.User) ([]*types.SessionView, error)
	Get(ctx context.Context, sessionID string) (*types.SessionView, error)
	Events(ctx context.Context, sessionID string) ([]*types.Event, error)
}

// EventPublisher receives lifecycle events after the owning mutation committed
// TECHNICAL DISCOVERY: Publish must not block the coordinator on slow watchers
type EventPublisher interface {
	Publish(event *types.Event) error
}
