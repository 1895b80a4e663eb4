// Package authz gates the elevated scopes a request may ask for.
package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ParseMode reads an AUTHZ_MODE value. Disabling authorization needs an
// explicit unsafe opt-in.
func ParseMode(raw string, unsafeAllowDisabled bool) (Mode, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if !unsafeAllowDisabled {
			return "", errors.New("authz: AUTHZ_MODE=disabled requires AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid AUTHZ_MODE (expected enforce|shadow|disabled)")
	}
}

// Authorizer answers scope questions from a casbin model and policy. A
// disabled Authorizer carries no enforcer and allows everything.
type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

func NewAuthorizer(modelPath string, policyPath string, mode Mode) (*Authorizer, error) {
	switch mode {
	case ModeDisabled:
		return &Authorizer{mode: mode}, nil
	case ModeEnforce, ModeShadow:
	default:
		return nil, fmt.Errorf("authz: unknown mode %q", mode)
	}

	modelPath, policyPath = strings.TrimSpace(modelPath), strings.TrimSpace(policyPath)
	if modelPath == "" || policyPath == "" {
		return nil, errors.New("authz: model and policy paths are required")
	}
	enforcer, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, fmt.Errorf("authz: load model %s: %w", modelPath, err)
	}
	enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("authz: load policy %s: %w", policyPath, err)
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

func (a *Authorizer) Mode() Mode { return a.mode }

func SubjectFromRoleSlug(roleSlug string) string {
	roleSlug = strings.TrimSpace(strings.ToLower(roleSlug))
	if roleSlug == "" {
		roleSlug = RoleAnonymous
	}
	return "role:" + roleSlug
}

func DomainFromTenantID(tenantID string) string {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))
	if tenantID == "" {
		return DomainGlobal
	}
	return tenantID
}

// Authorize evaluates one request. enforced is true only in enforce mode;
// in shadow mode the decision is computed but callers must not act on it.
func (a *Authorizer) Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error) {
	if a.mode == ModeDisabled {
		return true, false, nil
	}
	if a.mode != ModeEnforce && a.mode != ModeShadow {
		return false, false, fmt.Errorf("authz: unknown mode %q", a.mode)
	}
	if a.enforcer == nil {
		return false, a.mode == ModeEnforce, errors.New("authz: no policy loaded")
	}

	enforced = a.mode == ModeEnforce
	allowed, err = a.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return false, enforced, fmt.Errorf("authz: %s %s %s in %s: %w", subject, action, object, domain, err)
	}
	return allowed, enforced, nil
}

// AllowAdminScope reports whether roleSlug may run with the admin security
// context.
func (a *Authorizer) AllowAdminScope(roleSlug string) (allowed bool, enforced bool, err error) {
	return a.Authorize(SubjectFromRoleSlug(roleSlug), DomainGlobal, ObjectAdminScope, ActionAdmin)
}
