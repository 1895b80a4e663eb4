package rls

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrMissingTenantID is returned in strict mode when a tenant-scoped context
// carries no tenant id.
var ErrMissingTenantID = errors.New("rls: tenant scope without tenant id")

type RoleFailureReason string

const (
	RoleMissing           RoleFailureReason = "role_missing"
	RoleMembershipMissing RoleFailureReason = "membership_missing"
	RoleInvalid           RoleFailureReason = "invalid_role"
	RoleSwitchUnknown     RoleFailureReason = "unknown"
)

// RoleSwitchError normalizes a failed SET ROLE. Err holds the driver error,
// if any.
type RoleSwitchError struct {
	Role   string
	Reason RoleFailureReason
	Err    error
}

func (e *RoleSwitchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rls: set role %q failed: %s", e.Role, e.Reason)
	}
	return fmt.Sprintf("rls: set role %q failed: %s: %v", e.Role, e.Reason, e.Err)
}

func (e *RoleSwitchError) Unwrap() error { return e.Err }

// ResetError reports a failed session reset during cleanup.
type ResetError struct {
	Err error
}

func (e *ResetError) Error() string { return "rls: reset session: " + e.Err.Error() }

func (e *ResetError) Unwrap() error { return e.Err }

// IsPolicyError reports whether err is one of the enforcement-layer failures
// (as opposed to a driver or business error).
func IsPolicyError(err error) bool {
	if errors.Is(err, ErrMissingTenantID) {
		return true
	}
	if _, ok := errors.AsType[*RoleSwitchError](err); ok {
		return true
	}
	_, ok := errors.AsType[*ResetError](err)
	return ok
}

func classifyRoleError(role string, err error) *RoleSwitchError {
	reason := RoleSwitchUnknown
	switch pgErrorCode(err) {
	case "22023", "42704":
		// invalid_parameter_value is what SET ROLE raises for an unknown role.
		reason = RoleMissing
	case "42501":
		reason = RoleMembershipMissing
	case "42601", "42602":
		reason = RoleInvalid
	}
	return &RoleSwitchError{Role: role, Reason: reason, Err: err}
}

func pgErrorCode(err error) string {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}
