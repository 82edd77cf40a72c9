package types

import (
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	maxProblemLength    = 200
	maxDifficultyLength = 50
	maxUserIDLength     = 128
)

// ValidateSessionInput checks the descriptive fields supplied at creation.
// Both values are expected to be trimmed by the caller.
func ValidateSessionInput(problem, difficulty string) error {
	if problem == "" {
		return ErrEmptyProblem
	}
	if difficulty == "" {
		return ErrEmptyDifficulty
	}
	if len(problem) > maxProblemLength {
		return ErrProblemTooLong
	}
	if len(difficulty) > maxDifficultyLength {
		return ErrDifficultyTooLong
	}
	return nil
}

// Validate ensures a persisted session record is internally consistent
// ARCHITECTURAL DISCOVERY: Validation at type level catches store or cache
// corruption before it reaches the coordinator's transition logic
func (s *Session) Validate() error {
	if err := ValidateSessionInput(strings.TrimSpace(s.Problem), strings.TrimSpace(s.Difficulty)); err != nil {
		return err
	}
	if !IsValidUserID(s.HostID) {
		return ErrInvalidUserID
	}
	if s.HasParticipant() && (!IsValidUserID(*s.ParticipantID) || *s.ParticipantID == s.HostID) {
		return ErrInvalidUserID
	}
	return nil
}

// Validate ensures the event carries a known type
func (e *Event) Validate() error {
	if !IsValidEventType(e.Type) {
		return ErrInvalidEventType
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > maxUserIDLength {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidEventType checks if the event type is one of the allowed types
func IsValidEventType(eventType string) bool {
	switch eventType {
	case EventSessionCreated,
		EventParticipantJoined,
		EventSessionEnded,
		EventProvisioningFailed:
		return true
	default:
		return false
	}
}

// IsValidStatus reports whether s is a known lifecycle state.
func IsValidStatus(s Status) bool {
	return s == StatusActive || s == StatusCompleted
}
