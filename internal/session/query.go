package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

// maxListed caps every list query
const maxListed = 20

// QueryService implements the SessionQuery interface on top of the stores
type QueryService struct {
	sessions interfaces.SessionStore
	users    interfaces.UserStore
	events   interfaces.EventStore
}

var _ interfaces.SessionQuery = (*QueryService)(nil)

// NewQueryService creates a new read-side service
func NewQueryService(sessions interfaces.SessionStore, users interfaces.UserStore, events interfaces.EventStore) *QueryService {
	return &QueryService{
		sessions: sessions,
		users:    users,
		events:   events,
	}
}

// Active returns up to 20 active sessions, newest first, with host summaries
func (q *QueryService) Active(ctx context.Context) ([]*types.SessionView, error) {
	sessions, err := q.sessions.QueryActive(ctx, maxListed)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return q.withHosts(ctx, sessions), nil
}

// MyRecent returns up to 20 completed sessions the caller hosted or joined
func (q *QueryService) MyRecent(ctx context.Context, caller *types.User) ([]*types.SessionView, error) {
	if caller == nil || caller.ID == "" {
		return nil, fmt.Errorf("%w: %w", ErrValidation, types.ErrInvalidUserID)
	}
	sessions, err := q.sessions.QueryByMember(ctx, caller.ID, types.StatusCompleted, maxListed)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	return q.withHosts(ctx, sessions), nil
}

// Get returns one session with host and participant summaries
func (q *QueryService) Get(ctx context.Context, sessionID string) (*types.SessionView, error) {
	session, err := q.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	cache := make(map[string]*types.UserSummary)
	view := &types.SessionView{
		Session: session,
		Host:    q.summary(ctx, session.HostID, cache),
	}
	if session.HasParticipant() {
		view.Participant = q.summary(ctx, *session.ParticipantID, cache)
	}
	return view, nil
}

// Events returns the session's event history in commit order
func (q *QueryService) Events(ctx context.Context, sessionID string) ([]*types.Event, error) {
	if _, err := q.sessions.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	events, err := q.events.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func (q *QueryService) withHosts(ctx context.Context, sessions []*types.Session) []*types.SessionView {
	cache := make(map[string]*types.UserSummary)
	views := make([]*types.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, &types.SessionView{
			Session: s,
			Host:    q.summary(ctx, s.HostID, cache),
		})
	}
	return views
}

// summary looks up a user once per request. A missing user yields nil so one
// stale reference cannot fail the whole listing.
func (q *QueryService) summary(ctx context.Context, userID string, cache map[string]*types.UserSummary) *types.UserSummary {
	if s, ok := cache[userID]; ok {
		return s
	}
	user, err := q.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrUserNotFound) {
			log.Printf("Failed to load user %s for session view: %v", userID, err)
		}
		cache[userID] = nil
		return nil
	}
	s := user.Summary()
	cache[userID] = s
	return s
}
