package dbguard

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

// Querier is what scoped work gets to run statements with.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*Conn)(nil)
var _ Querier = (*Tx)(nil)

// WithTenantContext runs fn in one transaction on a dedicated connection
// scoped to tenantID. fn's ctx also carries the tenant context.
func (g *Guard) WithTenantContext(ctx context.Context, tenantID string, fn func(ctx context.Context, q Querier) error) error {
	return g.runScoped(ctx, secctx.Tenant(tenantID), fn)
}

// WithAdminContext is WithTenantContext for the admin scope.
func (g *Guard) WithAdminContext(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	return g.runScoped(ctx, secctx.Admin(), fn)
}

// InTenant runs fn under WithTenantContext and returns its value.
func InTenant[T any](ctx context.Context, g *Guard, tenantID string, fn func(ctx context.Context, q Querier) (T, error)) (T, error) {
	return scopedValue(ctx, g, secctx.Tenant(tenantID), fn)
}

// InAdmin runs fn under WithAdminContext and returns its value.
func InAdmin[T any](ctx context.Context, g *Guard, fn func(ctx context.Context, q Querier) (T, error)) (T, error) {
	return scopedValue(ctx, g, secctx.Admin(), fn)
}

func scopedValue[T any](ctx context.Context, g *Guard, sc secctx.SecurityContext, fn func(ctx context.Context, q Querier) (T, error)) (T, error) {
	var out T
	err := g.runScoped(ctx, sc, func(ctx context.Context, q Querier) error {
		v, err := fn(ctx, q)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// runScoped applies sc itself, so the checkout is flagged to skip the
// ambient enforcement. The work's error wins over cleanup errors.
func (g *Guard) runScoped(ctx context.Context, sc secctx.SecurityContext, fn func(ctx context.Context, q Querier) error) (err error) {
	conn, err := g.acquire(ctx, true)
	if err != nil {
		return err
	}
	ctx = secctx.With(ctx, sc)

	committed := false
	defer func() {
		p := recover()

		cctx, cancel := detachWithTimeout(ctx, g.cleanupTimeout)
		defer cancel()

		var cleanupErr error
		keep := func(step string, e error) {
			if e == nil {
				return
			}
			if cleanupErr == nil {
				cleanupErr = e
				return
			}
			g.logger.WarnContext(cctx, "dbguard: additional scoped cleanup failure",
				slog.String("step", step), slog.String("error", e.Error()))
		}

		if !committed && conn.raw.TxStatus() != txStatusIdle {
			_, rbErr := conn.raw.Exec(cctx, "ROLLBACK")
			keep("rollback", rbErr)
		}
		clean, resetErr := g.applier.Reset(cctx, conn.raw)
		if !clean {
			conn.poisoned = true
		}
		keep("reset", resetErr)
		keep("release", conn.Release(cctx))

		if p != nil {
			panic(p)
		}
		if err == nil {
			err = cleanupErr
		} else if cleanupErr != nil {
			g.logger.WarnContext(cctx, "dbguard: scoped cleanup failed after error",
				slog.String("error", cleanupErr.Error()))
		}
	}()

	if _, err := conn.Exec(ctx, "BEGIN"); err != nil {
		return err
	}
	if _, err := g.applier.Apply(ctx, conn.raw, sc); err != nil {
		return err
	}
	if err := fn(ctx, conn); err != nil {
		return err
	}
	tag, err := conn.Exec(ctx, "COMMIT")
	if err != nil {
		return err
	}
	if tag.String() == "ROLLBACK" {
		return pgx.ErrTxCommitRollback
	}
	committed = true
	return nil
}
