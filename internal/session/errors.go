package session

import (
	"errors"
	"fmt"
)

// Session lifecycle error types
// ARCHITECTURAL DISCOVERY: One sentinel per caller-visible failure class so the
// HTTP layer maps them to status codes with errors.Is alone
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("session not found")
	ErrForbidden    = errors.New("only the host can perform this action")
	ErrConflict     = errors.New("session cannot be joined")
	ErrInvalidState = errors.New("session is not in a valid state for this action")
	ErrProvisioning = errors.New("external provisioning failed")
)

// Provisioning operation names reported in ProvisioningError.Op
const (
	OpCreateCall    = "create_call"
	OpCreateChannel = "create_channel"
	OpAddMember     = "add_member"
	OpTeardown      = "teardown"
)

// ProvisioningError reports an external provider failure after the session
// mutation was already persisted. The session record is not rolled back.
type ProvisioningError struct {
	SessionID string
	CallID    string
	Op        string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s: session=%s call=%s op=%s: %v", ErrProvisioning, e.SessionID, e.CallID, e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProvisioning) hold for every ProvisioningError
func (e *ProvisioningError) Is(target error) bool {
	return target == ErrProvisioning
}
