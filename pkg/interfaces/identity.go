package interfaces

import (
	"context"
	"net/http"

	"codepair/pkg/types"
)

// IdentityResolver turns an inbound request into an authenticated user
// FUNCTIONAL DISCOVERY: Resolution fails with ErrUnauthenticated for a missing
// or invalid credential and ErrUserNotFound for a valid credential naming no
// known user, so the HTTP layer can answer 401 and 404 respectively
type IdentityResolver interface {
	Resolve(ctx context.Context, r *http.Request) (*types.User, error)
}
