package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"codepair/pkg/interfaces"
)

// Operation names used for fault injection on the in-memory provider.
const (
	OpCreateCall    = "create_call"
	OpDeleteCall    = "delete_call"
	OpCreateChannel = "create_channel"
	OpAddMember     = "add_member"
	OpDeleteChannel = "delete_channel"
	OpUpsertUser    = "upsert_user"
)

// Call is the in-memory record of a provisioned call.
type Call struct {
	ID       string
	Metadata interfaces.CallMetadata
}

// Channel is the in-memory record of a provisioned chat channel.
type Channel struct {
	ID        string
	Name      string
	CreatedBy string
	Members   []string
}

// User is the in-memory record of a registered user.
type User struct {
	ID    string
	Name  string
	Image string
}

// Memory is an in-process provider used for local runs and tests
// FUNCTIONAL DISCOVERY: Create is get-or-create and delete of a missing
// resource succeeds, mirroring the idempotence of the hosted service
type Memory struct {
	mu       sync.RWMutex
	calls    map[string]*Call
	channels map[string]*Channel
	users    map[string]*User
	failures map[string]error
	counts   map[string]int
}

var _ interfaces.Provisioner = (*Memory)(nil)

// NewMemory creates an empty in-memory provider
func NewMemory() *Memory {
	return &Memory{
		calls:    make(map[string]*Call),
		channels: make(map[string]*Channel),
		users:    make(map[string]*User),
		failures: make(map[string]error),
		counts:   make(map[string]int),
	}
}

// FailOn makes every subsequent call to op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// begin records the call and returns the injected failure, if any.
// Callers must hold m.mu.
func (m *Memory) begin(op string) error {
	m.counts[op]++
	return m.failures[op]
}

func (m *Memory) CreateCall(ctx context.Context, callID string, meta interfaces.CallMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateCall); err != nil {
		return err
	}
	if _, exists := m.calls[callID]; !exists {
		m.calls[callID] = &Call{ID: callID, Metadata: meta}
	}
	return nil
}

func (m *Memory) DeleteCall(ctx context.Context, callID string, hard bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDeleteCall); err != nil {
		return err
	}
	delete(m.calls, callID)
	return nil
}

func (m *Memory) CreateChannel(ctx context.Context, callID, name, createdBy string, members []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateChannel); err != nil {
		return err
	}
	if _, exists := m.channels[callID]; exists {
		return nil
	}
	m.channels[callID] = &Channel{
		ID:        callID,
		Name:      name,
		CreatedBy: createdBy,
		Members:   dedupe(members),
	}
	return nil
}

func (m *Memory) AddMember(ctx context.Context, callID, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpAddMember); err != nil {
		return err
	}
	ch, exists := m.channels[callID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, callID)
	}
	ch.Members = dedupe(append(ch.Members, member))
	return nil
}

func (m *Memory) DeleteChannel(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDeleteChannel); err != nil {
		return err
	}
	delete(m.channels, callID)
	return nil
}

func (m *Memory) UpsertUser(ctx context.Context, externalID, name, image string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpsertUser); err != nil {
		return err
	}
	m.users[externalID] = &User{ID: externalID, Name: name, Image: image}
	return nil
}

// HasCall reports whether a call is currently provisioned.
func (m *Memory) HasCall(callID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.calls[callID]
	return ok
}

// GetCall returns a copy of a provisioned call.
func (m *Memory) GetCall(callID string) (Call, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// GetChannel returns a copy of a provisioned channel.
func (m *Memory) GetChannel(callID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[callID]
	if !ok {
		return Channel{}, false
	}
	cp := *ch
	cp.Members = append([]string(nil), ch.Members...)
	return cp, true
}

// GetUser returns a copy of a registered user.
func (m *Memory) GetUser(externalID string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[externalID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Count returns how many times op was invoked, failures included.
func (m *Memory) Count(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[op]
}

// GetStats returns provider statistics for the health endpoint
func (m *Memory) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"calls":    len(m.calls),
		"channels": len(m.channels),
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
