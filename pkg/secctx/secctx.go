// Package secctx defines the per-request security context and the carrier that
// propagates it through a request's call tree.
//
// A SecurityContext is produced once at the request boundary (see
// internal/tenancy) or by a background job, and is read-only afterwards. It is a
// plain comparable value; copies are safe to share between goroutines.
package secctx

import (
	"errors"
	"strings"
)

type Scope uint8

const (
	ScopeNone Scope = iota
	ScopeTenant
	ScopeAdmin
)

func (s Scope) String() string {
	switch s {
	case ScopeNone:
		return "none"
	case ScopeTenant:
		return "tenant"
	case ScopeAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return ScopeNone, nil
	case "tenant":
		return ScopeTenant, nil
	case "admin":
		return ScopeAdmin, nil
	default:
		return ScopeNone, errors.New("secctx: invalid scope (expected none|tenant|admin)")
	}
}

// SecurityContext is the isolation context applied to database sessions.
// TenantID is only meaningful for ScopeTenant.
type SecurityContext struct {
	Scope    Scope
	TenantID string
}

func None() SecurityContext { return SecurityContext{} }

// Tenant does not reject an empty id: upstream may produce one, and the
// enforcement layer treats it as a policy failure instead of a crash.
func Tenant(id string) SecurityContext {
	return SecurityContext{Scope: ScopeTenant, TenantID: strings.TrimSpace(id)}
}

func Admin() SecurityContext { return SecurityContext{Scope: ScopeAdmin} }

func (c SecurityContext) IsNone() bool { return c.Scope == ScopeNone }

func (c SecurityContext) HasTenantID() bool {
	return strings.TrimSpace(c.TenantID) != ""
}

func (c SecurityContext) String() string {
	if c.Scope == ScopeTenant {
		if c.HasTenantID() {
			return "tenant:" + c.TenantID
		}
		return "tenant:<missing>"
	}
	return c.Scope.String()
}
