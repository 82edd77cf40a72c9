package identity

import (
	"errors"

	"codepair/pkg/interfaces"
)

// Identity error types. The first two alias the shared sentinels so callers
// can match with either package.
var (
	ErrUnauthenticated = interfaces.ErrUnauthenticated
	ErrUserNotFound    = interfaces.ErrUserNotFound
	ErrNotConfigured   = errors.New("identity secret is not configured")
)
