package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

// mockStore is an in-memory store with real compare-and-set semantics
type mockStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	users    map[string]*types.User
	events   map[string][]*types.Event

	failInsert error
	failGet    error
	failCAS    error

	// beforeCAS runs under no lock right before a participant CAS is applied
	beforeCAS func()
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions: make(map[string]*types.Session),
		users:    make(map[string]*types.User),
		events:   make(map[string][]*types.Event),
	}
}

func (m *mockStore) InsertSession(ctx context.Context, session *types.Session) error {
	if m.failInsert != nil {
		return m.failInsert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.CallID == session.CallID {
			return interfaces.ErrDuplicateCallID
		}
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *mockStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if m.failGet != nil {
		return nil, m.failGet
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *mockStore) CompareAndSetParticipant(ctx context.Context, sessionID, expected, participantID string) (bool, error) {
	if m.beforeCAS != nil {
		m.beforeCAS()
	}
	if m.failCAS != nil {
		return false, m.failCAS
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != types.StatusActive {
		return false, nil
	}
	current := ""
	if s.ParticipantID != nil {
		current = *s.ParticipantID
	}
	if current != expected {
		return false, nil
	}
	p := participantID
	s.ParticipantID = &p
	return true, nil
}

func (m *mockStore) CompareAndSetStatus(ctx context.Context, sessionID string, expected, next types.Status) (bool, error) {
	if m.failCAS != nil {
		return false, m.failCAS
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != expected {
		return false, nil
	}
	s.Status = next
	if next == types.StatusCompleted {
		now := time.Now().UTC()
		s.EndedAt = &now
	}
	return true, nil
}

func (m *mockStore) sorted(filter func(*types.Session) bool, limit int) []*types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Session
	for _, s := range m.sessions {
		if filter(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *mockStore) QueryActive(ctx context.Context, limit int) ([]*types.Session, error) {
	return m.sorted(func(s *types.Session) bool { return s.Status == types.StatusActive }, limit), nil
}

func (m *mockStore) QueryByMember(ctx context.Context, userID string, status types.Status, limit int) ([]*types.Session, error) {
	return m.sorted(func(s *types.Session) bool {
		if s.Status != status {
			return false
		}
		return s.HostID == userID || (s.ParticipantID != nil && *s.ParticipantID == userID)
	}, limit), nil
}

func (m *mockStore) UpsertUser(ctx context.Context, user *types.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *mockStore) GetUser(ctx context.Context, userID string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockStore) GetUserByExternalID(ctx context.Context, externalID string) (*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, interfaces.ErrUserNotFound
}

func (m *mockStore) AppendEvent(ctx context.Context, event *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.SessionID] = append(m.events[event.SessionID], event)
	return nil
}

func (m *mockStore) ListEvents(ctx context.Context, sessionID string) ([]*types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Event{}, m.events[sessionID]...), nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// mockProvider records provider calls and fails on demand
type mockProvider struct {
	mu    sync.Mutex
	calls []string

	failCreateCall    error
	failCreateChannel error
	failAddMember     error
	failDeleteCall    error
	failDeleteChannel error

	lastMeta    interfaces.CallMetadata
	lastChannel string
	lastMembers []string
	added       []string
	hardDelete  bool
}

func (p *mockProvider) record(op string) {
	p.mu.Lock()
	p.calls = append(p.calls, op)
	p.mu.Unlock()
}

func (p *mockProvider) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *mockProvider) CreateCall(ctx context.Context, callID string, meta interfaces.CallMetadata) error {
	p.record("create_call:" + callID)
	p.mu.Lock()
	p.lastMeta = meta
	p.mu.Unlock()
	return p.failCreateCall
}

func (p *mockProvider) DeleteCall(ctx context.Context, callID string, hard bool) error {
	p.record("delete_call:" + callID)
	p.mu.Lock()
	p.hardDelete = hard
	p.mu.Unlock()
	return p.failDeleteCall
}

func (p *mockProvider) CreateChannel(ctx context.Context, callID, name, createdBy string, members []string) error {
	p.record("create_channel:" + callID)
	p.mu.Lock()
	p.lastChannel = name
	p.lastMembers = members
	p.mu.Unlock()
	return p.failCreateChannel
}

func (p *mockProvider) AddMember(ctx context.Context, callID, member string) error {
	p.record("add_member:" + callID)
	p.mu.Lock()
	p.added = append(p.added, member)
	p.mu.Unlock()
	return p.failAddMember
}

func (p *mockProvider) DeleteChannel(ctx context.Context, callID string) error {
	p.record("delete_channel:" + callID)
	return p.failDeleteChannel
}

// mockPublisher captures published events
type mockPublisher struct {
	mu     sync.Mutex
	events []*types.Event
	fail   bool
}

func (p *mockPublisher) Publish(event *types.Event) error {
	if p.fail {
		return errors.New("hub stopped")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
