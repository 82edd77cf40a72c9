package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

const tracerName = "codepair/internal/session"

// Coordinator implements the SessionCoordinator interface
// ARCHITECTURAL DISCOVERY: The coordinator holds no session state between calls.
// Same-session races are settled by the store's conditional writes, and provider
// clients are injected handles owned by the hosting process.
type Coordinator struct {
	store    interfaces.SessionStore
	calls    interfaces.CallProvider
	channels interfaces.ChannelProvider
	events   interfaces.EventPublisher
	now      func() time.Time
	newID    func() string
	tracer   trace.Tracer
}

var _ interfaces.SessionCoordinator = (*Coordinator)(nil)

// Option customizes a Coordinator at construction
type Option func(*Coordinator)

// WithClock overrides the time source used for createdAt and callId
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithIDGenerator overrides the generator used for session ids and the random
// part of callIds
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

// WithEventPublisher attaches a publisher for lifecycle events
func WithEventPublisher(events interfaces.EventPublisher) Option {
	return func(c *Coordinator) {
		c.events = events
	}
}

// NewCoordinator creates a new session coordinator
func NewCoordinator(store interfaces.SessionStore, calls interfaces.CallProvider, channels interfaces.ChannelProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		calls:    calls,
		channels: channels,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create persists a new active session then provisions its call and channel
// FUNCTIONAL DISCOVERY: The record is written before anything external exists,
// so a provisioning failure leaves an active session the caller can still see
func (c *Coordinator) Create(ctx context.Context, problem, difficulty string, host *types.User) (session *types.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "session.Create")
	defer func() { endSpan(span, session, err) }()

	problem = strings.TrimSpace(problem)
	difficulty = strings.TrimSpace(difficulty)
	if err := types.ValidateSessionInput(problem, difficulty); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := validateCaller(host); err != nil {
		return nil, err
	}

	createdAt := c.now().UTC()
	session = &types.Session{
		ID:         c.newID(),
		CallID:     c.newCallID(createdAt),
		Problem:    problem,
		Difficulty: difficulty,
		HostID:     host.ID,
		Status:     types.StatusActive,
		CreatedAt:  createdAt,
	}

	if err := c.store.InsertSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	log.Printf("Created session: id=%s call_id=%s host=%s", session.ID, session.CallID, host.ID)
	c.publish(session.ID, types.EventSessionCreated, host.ID, map[string]interface{}{
		"call_id":    session.CallID,
		"problem":    session.Problem,
		"difficulty": session.Difficulty,
	})

	meta := interfaces.CallMetadata{
		CreatedBy: host.ExternalID,
		Custom: map[string]string{
			"problem":    session.Problem,
			"difficulty": session.Difficulty,
			"sessionId":  session.ID,
		},
	}
	if err := c.calls.CreateCall(ctx, session.CallID, meta); err != nil {
		return session, c.provisioningFailed(session, host.ID, OpCreateCall, err)
	}

	channelName := session.Problem + " Session"
	if err := c.channels.CreateChannel(ctx, session.CallID, channelName, host.ExternalID, []string{host.ExternalID}); err != nil {
		return session, c.provisioningFailed(session, host.ID, OpCreateChannel, err)
	}

	return session, nil
}

// Join occupies the single participant slot and adds the caller to the channel
func (c *Coordinator) Join(ctx context.Context, sessionID string, caller *types.User) (session *types.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "session.Join", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, session, err) }()

	if err := validateCaller(caller); err != nil {
		return nil, err
	}

	current, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// TECHNICAL DISCOVERY: Check order is fixed - missing, then not active,
	// then host or full - so callers see one stable error per situation
	if current.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, current.Status)
	}
	if current.IsHost(caller.ID) {
		return nil, fmt.Errorf("%w: host cannot join their own session", ErrConflict)
	}
	if current.HasParticipant() {
		return nil, fmt.Errorf("%w: session is full", ErrConflict)
	}

	won, err := c.store.CompareAndSetParticipant(ctx, sessionID, "", caller.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	if !won {
		latest, err := c.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if latest.Status != types.StatusActive {
			return nil, fmt.Errorf("%w: session %s ended while joining", ErrInvalidState, sessionID)
		}
		return nil, fmt.Errorf("%w: session is full", ErrConflict)
	}

	session = c.reload(ctx, current, func(s *types.Session) {
		participant := caller.ID
		s.ParticipantID = &participant
	})
	log.Printf("Participant joined: session=%s user=%s", session.ID, caller.ID)
	c.publish(session.ID, types.EventParticipantJoined, caller.ID, map[string]interface{}{
		"participant_id": caller.ID,
	})

	// FUNCTIONAL DISCOVERY: The participant stays recorded if the channel
	// membership call fails; the error reports the partial state instead
	if err := c.channels.AddMember(ctx, session.CallID, caller.ExternalID); err != nil {
		return session, c.provisioningFailed(session, caller.ID, OpAddMember, err)
	}

	return session, nil
}

// End completes the session (host only) and tears down external resources
func (c *Coordinator) End(ctx context.Context, sessionID string, caller *types.User) (session *types.Session, err error) {
	ctx, span := c.tracer.Start(ctx, "session.End", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, session, err) }()

	if err := validateCaller(caller); err != nil {
		return nil, err
	}

	current, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.IsHost(caller.ID) {
		return nil, ErrForbidden
	}
	if current.Status != types.StatusActive {
		return nil, fmt.Errorf("%w: session %s is already %s", ErrInvalidState, sessionID, current.Status)
	}

	swapped, err := c.store.CompareAndSetStatus(ctx, sessionID, types.StatusActive, types.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	if !swapped {
		return nil, fmt.Errorf("%w: session %s was ended concurrently", ErrInvalidState, sessionID)
	}

	session = c.reload(ctx, current, func(s *types.Session) {
		endedAt := c.now().UTC()
		s.Status = types.StatusCompleted
		s.EndedAt = &endedAt
	})
	log.Printf("Ended session: id=%s call_id=%s", session.ID, session.CallID)
	c.publish(session.ID, types.EventSessionEnded, caller.ID, nil)

	// ARCHITECTURAL DISCOVERY: Both teardown calls are always attempted; the
	// status flip is already durable so neither failure is allowed to mask the other
	var teardownErrs []error
	if err := c.calls.DeleteCall(ctx, session.CallID, true); err != nil {
		teardownErrs = append(teardownErrs, fmt.Errorf("delete call: %w", err))
	}
	if err := c.channels.DeleteChannel(ctx, session.CallID); err != nil {
		teardownErrs = append(teardownErrs, fmt.Errorf("delete channel: %w", err))
	}
	if len(teardownErrs) > 0 {
		return session, c.provisioningFailed(session, caller.ID, OpTeardown, errors.Join(teardownErrs...))
	}

	return session, nil
}

// validateCaller requires a well-formed internal id and a provider-facing external id
func validateCaller(u *types.User) error {
	if u == nil || !types.IsValidUserID(u.ID) || strings.TrimSpace(u.ExternalID) == "" {
		return fmt.Errorf("%w: %w", ErrValidation, types.ErrInvalidUserID)
	}
	return nil
}

// load reads a session and maps the store's not-found to ErrNotFound
func (c *Coordinator) load(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// reload returns the stored record after a successful conditional write.
// When the read fails the mutation is applied to a copy of the prior record.
func (c *Coordinator) reload(ctx context.Context, prior *types.Session, apply func(*types.Session)) *types.Session {
	latest, err := c.store.GetSession(ctx, prior.ID)
	if err == nil {
		return latest
	}
	log.Printf("Failed to re-read session %s after update: %v", prior.ID, err)
	fallback := prior.Clone()
	apply(fallback)
	return fallback
}

// newCallID builds session_<unixMillis>_<32 hex>
func (c *Coordinator) newCallID(at time.Time) string {
	random := strings.ReplaceAll(c.newID(), "-", "")
	return fmt.Sprintf("session_%d_%s", at.UnixMilli(), random)
}

func (c *Coordinator) provisioningFailed(session *types.Session, actorID, op string, cause error) error {
	provErr := &ProvisioningError{
		SessionID: session.ID,
		CallID:    session.CallID,
		Op:        op,
		Err:       cause,
	}
	log.Printf("ERROR: provisioning failed: session=%s call_id=%s op=%s: %v", session.ID, session.CallID, op, cause)
	c.publish(session.ID, types.EventProvisioningFailed, actorID, map[string]interface{}{
		"call_id": session.CallID,
		"op":      op,
		"error":   cause.Error(),
	})
	return provErr
}

// publish hands an event to the hub; failures are logged and never fail the operation
func (c *Coordinator) publish(sessionID, eventType, actorID string, detail map[string]interface{}) {
	if c.events == nil {
		return
	}
	event := &types.Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		ActorID:   actorID,
		Detail:    detail,
		Timestamp: c.now().UTC(),
	}
	if err := c.events.Publish(event); err != nil {
		log.Printf("Failed to publish %s event for session %s: %v", eventType, sessionID, err)
	}
}

func endSpan(span trace.Span, session *types.Session, err error) {
	if session != nil {
		span.SetAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("session.call_id", session.CallID),
			attribute.String("session.status", string(session.Status)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
