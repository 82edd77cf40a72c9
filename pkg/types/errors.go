package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrEmptyProblem      = errors.New("problem is required")
	ErrEmptyDifficulty   = errors.New("difficulty is required")
	ErrProblemTooLong    = errors.New("problem must be at most 200 characters")
	ErrDifficultyTooLong = errors.New("difficulty must be at most 50 characters")
	ErrInvalidUserID     = errors.New("user ID must be 1-128 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidEventType  = errors.New("invalid event type")
)
