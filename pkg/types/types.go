package types

import (
	"time"
)

// Status is the lifecycle state of a session. Transitions are monotonic:
// active -> completed, exactly once.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// ARCHITECTURAL DISCOVERY: Event type constants shared by the store, hub and
// watch stream so every path agrees on the event vocabulary
const (
	EventSessionCreated     = "session_created"
	EventParticipantJoined  = "participant_joined"
	EventSessionEnded       = "session_ended"
	EventProvisioningFailed = "provisioning_failed"
)

// Session represents one hosted coding-collaboration instance
// FUNCTIONAL DISCOVERY: Everything except ParticipantID, Status and EndedAt is
// immutable after creation. ParticipantID is written at most once.
type Session struct {
	ID            string     `json:"id" db:"id"`
	CallID        string     `json:"call_id" db:"call_id"`
	Problem       string     `json:"problem" db:"problem"`
	Difficulty    string     `json:"difficulty" db:"difficulty"`
	HostID        string     `json:"host_id" db:"host_id"`
	ParticipantID *string    `json:"participant_id,omitempty" db:"participant_id"`
	Status        Status     `json:"status" db:"status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

// HasParticipant reports whether the single participant slot is occupied.
func (s *Session) HasParticipant() bool {
	return s.ParticipantID != nil && *s.ParticipantID != ""
}

// IsHost reports whether userID owns the session.
func (s *Session) IsHost(userID string) bool {
	return s.HostID == userID
}

// Clone returns a deep copy so callers never share pointer fields with a cache.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ParticipantID != nil {
		p := *s.ParticipantID
		c.ParticipantID = &p
	}
	if s.EndedAt != nil {
		e := *s.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// User is the internal identity of a caller with the external provider
// identity attached.
// TECHNICAL DISCOVERY: ExternalID is the id the call and chat providers know
// the user by; ID is only meaningful inside this service.
type User struct {
	ID         string    `json:"id" db:"id"`
	ExternalID string    `json:"external_id" db:"external_id"`
	Name       string    `json:"name" db:"name"`
	Email      string    `json:"email" db:"email"`
	AvatarURL  string    `json:"avatar_url" db:"avatar_url"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// UserSummary is the public projection attached to session views.
type UserSummary struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

// Summary projects a user for inclusion in read responses.
func (u *User) Summary() *UserSummary {
	if u == nil {
		return nil
	}
	return &UserSummary{
		ID:         u.ID,
		ExternalID: u.ExternalID,
		Name:       u.Name,
		Email:      u.Email,
		AvatarURL:  u.AvatarURL,
	}
}

// SessionView is a session with its host and participant summaries attached.
type SessionView struct {
	*Session
	Host        *UserSummary `json:"host,omitempty"`
	Participant *UserSummary `json:"participant,omitempty"`
}

// Event is an append-only record of something that happened to a session
// ARCHITECTURAL DISCOVERY: Detail as map[string]interface{} keeps per-event
// payloads flexible while staying JSON-compatible for the watch stream
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	ActorID   string                 `json:"actor_id,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
