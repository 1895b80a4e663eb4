// Package rls applies a SecurityContext to one Postgres session: it sets the
// tenant setting read by row-level security policies and switches the session
// to the least-privileged role for the scope, and undoes both on reset.
package rls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"

	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

const (
	DefaultSetting    = "app.current_tenant"
	DefaultTenantRole = "app_tenant"
	DefaultAdminRole  = "app_admin"
)

const (
	stmtSetSetting = `SELECT set_config($1, $2, false)`
	stmtResetRole  = `RESET ROLE`

	roleSavepoint = "tenantguard_set_role"
)

// Execer is the part of a pgx connection the applier needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Options struct {
	Mode       Mode
	TenantRole string
	AdminRole  string
	// Setting is the custom GUC read by the RLS policies.
	Setting string
	Logger  *slog.Logger
}

type Applier struct {
	mode       Mode
	tenantRole string
	adminRole  string
	setting    string
	logger     *slog.Logger
	warnings   *warnSet
}

var (
	reRoleName    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	reSettingName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidRoleName reports whether s may be interpolated into SET ROLE.
func ValidRoleName(s string) bool {
	return reRoleName.MatchString(s)
}

// NewApplier builds an applier. Role names are checked when used, so a bad
// role name follows the configured failure policy like any other role
// switch failure.
func NewApplier(opts Options) (*Applier, error) {
	if opts.Mode == "" {
		opts.Mode = ModeStrict
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Setting == "" {
		opts.Setting = DefaultSetting
	}
	if !reSettingName.MatchString(opts.Setting) {
		return nil, fmt.Errorf("rls: invalid setting name %q (expected prefix.name)", opts.Setting)
	}
	if opts.TenantRole == "" {
		opts.TenantRole = DefaultTenantRole
	}
	if opts.AdminRole == "" {
		opts.AdminRole = DefaultAdminRole
	}

	return &Applier{
		mode:       opts.Mode,
		tenantRole: opts.TenantRole,
		adminRole:  opts.AdminRole,
		setting:    opts.Setting,
		logger:     applog.OrDefault(opts.Logger),
		warnings:   processWarnings,
	}, nil
}

func (a *Applier) Mode() Mode { return a.mode }

func (a *Applier) Setting() string { return a.setting }

// Apply sets the session up for sc. It must run inside a transaction.
//
// applied reports whether session state was changed and therefore needs a
// Reset before the connection is reused; it can be true together with a
// non-nil error.
func (a *Applier) Apply(ctx context.Context, q Execer, sc secctx.SecurityContext) (applied bool, err error) {
	switch sc.Scope {
	case secctx.ScopeNone:
		return false, nil
	case secctx.ScopeTenant:
		if !sc.HasTenantID() {
			return false, a.MissingTenantID(ctx)
		}
		if _, err := q.Exec(ctx, stmtSetSetting, a.setting, sc.TenantID); err != nil {
			return false, err
		}
		return true, a.switchRole(ctx, q, a.tenantRole, sc)
	case secctx.ScopeAdmin:
		if _, err := q.Exec(ctx, stmtSetSetting, a.setting, ""); err != nil {
			return false, err
		}
		return true, a.switchRole(ctx, q, a.adminRole, sc)
	default:
		return false, fmt.Errorf("rls: unknown scope %d", sc.Scope)
	}
}

// MissingTenantID applies the failure policy to a tenant context without an
// id: strict returns ErrMissingTenantID, lenient logs once and returns nil.
func (a *Applier) MissingTenantID(ctx context.Context) error {
	if a.mode == ModeStrict {
		return ErrMissingTenantID
	}
	a.warnings.warn(ctx, a.logger, "missing_tenant_id",
		"rls: tenant scope without tenant id; proceeding without tenant isolation")
	return nil
}

// Violation applies the failure policy to an arbitrary anomaly detected by a
// caller. cause is the dedup key for lenient logging.
func (a *Applier) Violation(ctx context.Context, cause string, err error) error {
	if a.mode == ModeStrict {
		return err
	}
	a.warnings.warn(ctx, a.logger, cause, "rls: context violation ignored in lenient mode",
		slog.String("error", err.Error()))
	return nil
}

func (a *Applier) switchRole(ctx context.Context, q Execer, role string, sc secctx.SecurityContext) error {
	if !ValidRoleName(role) {
		return a.roleFailure(ctx, &RoleSwitchError{Role: role, Reason: RoleInvalid})
	}
	stmt := `SET ROLE ` + role

	if a.mode == ModeStrict {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return classifyRoleError(role, err)
		}
		a.logApplied(ctx, role, sc)
		return nil
	}

	// A failed SET ROLE aborts the transaction; the savepoint lets lenient
	// mode carry on without the role.
	if _, err := q.Exec(ctx, `SAVEPOINT `+roleSavepoint); err != nil {
		return err
	}
	if _, err := q.Exec(ctx, stmt); err != nil {
		if _, rbErr := q.Exec(ctx, `ROLLBACK TO SAVEPOINT `+roleSavepoint); rbErr != nil {
			return errors.Join(classifyRoleError(role, err), rbErr)
		}
		if _, relErr := q.Exec(ctx, `RELEASE SAVEPOINT `+roleSavepoint); relErr != nil {
			return relErr
		}
		return a.roleFailure(ctx, classifyRoleError(role, err))
	}
	if _, err := q.Exec(ctx, `RELEASE SAVEPOINT `+roleSavepoint); err != nil {
		return err
	}
	a.logApplied(ctx, role, sc)
	return nil
}

func (a *Applier) roleFailure(ctx context.Context, e *RoleSwitchError) error {
	if a.mode == ModeStrict {
		return e
	}
	a.warnings.warn(ctx, a.logger, string(e.Reason)+":"+e.Role,
		"rls: role switch failed; proceeding with the login role",
		slog.String("role", e.Role),
		slog.String("reason", string(e.Reason)),
	)
	return nil
}

func (a *Applier) logApplied(ctx context.Context, role string, sc secctx.SecurityContext) {
	a.logger.DebugContext(ctx, "rls: context applied",
		slog.String("scope", sc.Scope.String()),
		slog.String("tenant_id", sc.TenantID),
		slog.String("role", role),
	)
}

// Reset restores the login role and clears the tenant setting.
//
// clean is false when the session may still carry scoped state; the caller
// must then discard the physical connection. err is only returned in strict
// mode.
func (a *Applier) Reset(ctx context.Context, q Execer) (clean bool, err error) {
	_, err = q.Exec(ctx, stmtResetRole)
	if err == nil {
		_, err = q.Exec(ctx, stmtSetSetting, a.setting, "")
	}
	if err == nil {
		return true, nil
	}

	if a.mode == ModeStrict {
		return false, &ResetError{Err: err}
	}
	a.warnings.warn(ctx, a.logger, "reset:"+err.Error(), "rls: session reset failed",
		slog.String("error", err.Error()))
	return false, nil
}
