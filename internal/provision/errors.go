package provision

import (
	"errors"
	"fmt"
)

// Provisioner error types
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotConfigured   = errors.New("provider client is not configured")
)

// APIError is returned when the remote provider answers with a non-2xx status.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.StatusCode, e.Body)
}
