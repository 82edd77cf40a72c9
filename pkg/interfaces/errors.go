package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrDuplicateCallID = errors.New("call id already issued")
	ErrUnauthenticated = errors.New("missing or invalid credential")
)
