package dbguard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jacksonlee411/tenantguard/internal/rls"
	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

const (
	stmtSet   = `SELECT set_config($1, $2, false)`
	stmtReset = `RESET ROLE`
)

func TestClassifyStatement(t *testing.T) {
	cases := map[string]txControl{
		"BEGIN":                              txBegin,
		"begin isolation level serializable": txBegin,
		"START TRANSACTION READ ONLY":        txBegin,
		"COMMIT":                             txCommit,
		"end;":                               txCommit,
		"ROLLBACK":                           txRollback,
		"rollback work":                      txRollback,
		"ABORT":                              txRollback,
		"ROLLBACK TO SAVEPOINT sp1":          txOther,
		"rollback transaction to sp1":        txOther,
		"SAVEPOINT sp1":                      txSavepoint,
		"RELEASE SAVEPOINT sp1":              txOther,
		"PREPARE TRANSACTION 'x'":            txOther,
		"COMMIT PREPARED 'x'":                txOther,
		"ROLLBACK PREPARED 'x'":              txOther,
		"-- note\nCOMMIT":                    txCommit,
		"/* hint */ ROLLBACK":                txRollback,
		"SELECT 1":                           txNone,
		"start_job()":                        txNone,
		"PREPARE stmt AS SELECT 1":           txNone,
		"":                                   txNone,
		"   ;  ":                             txNone,
	}
	for sql, want := range cases {
		assert.Equal(t, want, classifyStatement(sql), "%q", sql)
	}
}

func TestConn_TenantAppliedOnFirstStatement(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	user, tenant, err := whoAmI(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, rls.DefaultTenantRole, user)
	assert.Equal(t, "lab-1", tenant)
	assert.True(t, c.Prepared())
	assert.Equal(t, secctx.Tenant("lab-1"), c.Applied())

	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, []string{
		"BEGIN", stmtSet, "SET ROLE app_tenant", qWhoAmI,
		stmtReset, stmtSet, "COMMIT",
	}, raw.log)
	assert.Equal(t, txStatusIdle, raw.status)
	assert.Equal(t, "", raw.sess.role)
	assert.Equal(t, "", raw.sess.setting[rls.DefaultSetting])
}

func TestConn_NoContextLeavesSessionAlone(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := context.Background()

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx))

	assert.Equal(t, []string{"SELECT 1"}, pool.take(t).log)
}

func TestConn_ReleaseIsIdempotent(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, c.Release(ctx))
	require.NoError(t, c.Release(ctx))

	_, err = c.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrReleased)

	raw := pool.take(t)
	assert.Equal(t, 1, raw.count(stmtReset))
}

func TestGuard_WrapIsIdempotent(t *testing.T) {
	pool := newFakePool(1)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)

	raw, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	c1 := g.Wrap(raw)
	c2 := g.Wrap(raw)
	assert.Same(t, c1, c2)

	require.NoError(t, c1.Release(context.Background()))
	raw = pool.take(t)
	assert.NotSame(t, c1, g.Wrap(raw))
}

// valueConn is a RawConn held by value. Its slice field makes it
// non-comparable.
type valueConn struct {
	released *int
	tags     []string
}

func (c valueConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 1"), nil
}
func (c valueConn) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (c valueConn) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (c valueConn) TxStatus() byte { return txStatusIdle }
func (c valueConn) Release() { *c.released++ }
func (c valueConn) Discard(context.Context) error { return nil }

func TestGuard_WrapAcceptsValueRawConn(t *testing.T) {
	g, _ := newTestGuard(t, rls.ModeStrict, newFakePool(1))
	released := 0
	raw := valueConn{released: &released, tags: []string{"a"}}

	var c1, c2 *Conn
	require.NotPanics(t, func() {
		c1 = g.Wrap(raw)
		c2 = g.Wrap(raw)
	})
	assert.NotSame(t, c1, c2)

	require.NotPanics(t, func() {
		require.NoError(t, c1.Release(context.Background()))
	})
	assert.Equal(t, 1, released)
}

func TestConn_FailedTransactionDoesNotLeakRole(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-9"))
	insertErr := &pgconn.PgError{Code: "23505", Message: "duplicate key"}

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	c.raw.(*fakeConn).failOn["INSERT"] = insertErr

	_, err = c.Exec(ctx, "INSERT INTO widgets VALUES (1)")
	require.ErrorIs(t, err, insertErr)
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, []string{
		"BEGIN", stmtSet, "SET ROLE app_tenant", "INSERT INTO widgets VALUES (1)",
		"ROLLBACK", stmtReset, stmtSet,
	}, raw.log)
	assert.Equal(t, 1, raw.count(stmtReset))
	assert.Zero(t, pool.discardCount())
	delete(raw.failOn, "INSERT")
	raw.Release()

	// The next checkout runs without any context and sees a clean session.
	plain := context.Background()
	c, err = g.Acquire(plain)
	require.NoError(t, err)
	user, tenant, err := whoAmI(plain, c)
	require.NoError(t, err)
	assert.Equal(t, "postgres", user)
	assert.Equal(t, "", tenant)
	require.NoError(t, c.Release(plain))
}

func TestConn_ScanFailureRollsBackOwnedTransaction(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	var a, b string
	require.Error(t, c.QueryRow(ctx, "SELECT name FROM widgets").Scan(&a, &b))
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, []string{
		"BEGIN", stmtSet, "SET ROLE app_tenant", "SELECT name FROM widgets",
		"ROLLBACK", stmtReset, stmtSet,
	}, raw.log)
	assert.Equal(t, "", raw.sess.role)
}

func TestConn_RowsErrorRollsBackOwnedTransaction(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))
	rowsErr := errors.New("canceling statement due to statement timeout")

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	c.raw.(*fakeConn).rowsErr["SELECT"] = rowsErr

	rows, err := c.Query(ctx, "SELECT name FROM widgets")
	require.NoError(t, err)
	for rows.Next() {
	}
	rows.Close()
	require.ErrorIs(t, rows.Err(), rowsErr)
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, 0, raw.count("COMMIT"))
	assert.Equal(t, 1, raw.count("ROLLBACK"))
	assert.Equal(t, 1, raw.count(stmtReset))
}

func TestConn_StrictRoleFailureIsSticky(t *testing.T) {
	pool := newFakePool(1) // app_tenant does not exist
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)

	_, _, err = whoAmI(ctx, c)
	rse, ok := errors.AsType[*rls.RoleSwitchError](err)
	require.True(t, ok, "err=%v", err)
	assert.Equal(t, rls.RoleMissing, rse.Reason)

	_, err = c.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, rse)

	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, []string{
		"BEGIN", stmtSet, "SET ROLE app_tenant",
		"ROLLBACK", stmtReset, stmtSet,
	}, raw.log)
	assert.Equal(t, "", raw.sess.setting[rls.DefaultSetting])
	assert.Zero(t, pool.discardCount())
}

func TestConn_LenientRoleFailureProceedsWithLoginRole(t *testing.T) {
	pool := newFakePool(1)
	g, _ := newTestGuard(t, rls.ModeLenient, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	user, tenant, err := whoAmI(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "postgres", user)
	assert.Equal(t, "lab-1", tenant)
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, 1, raw.count("COMMIT"))
	assert.Equal(t, "", raw.sess.setting[rls.DefaultSetting])
}

func TestConn_MissingTenantID(t *testing.T) {
	t.Run("strict fails before any statement", func(t *testing.T) {
		pool := newFakePool(1, rls.DefaultTenantRole)
		g, _ := newTestGuard(t, rls.ModeStrict, pool)
		ctx := secctx.With(context.Background(), secctx.Tenant(" "))

		c, err := g.Acquire(ctx)
		require.NoError(t, err)
		_, err = c.Exec(ctx, "SELECT 1")
		require.ErrorIs(t, err, rls.ErrMissingTenantID)
		require.NoError(t, c.Release(ctx))

		assert.Empty(t, pool.take(t).log)
	})

	t.Run("lenient runs unscoped", func(t *testing.T) {
		pool := newFakePool(1, rls.DefaultTenantRole)
		g, _ := newTestGuard(t, rls.ModeLenient, pool)
		ctx := secctx.With(context.Background(), secctx.Tenant(""))

		c, err := g.Acquire(ctx)
		require.NoError(t, err)
		_, err = c.Exec(ctx, "SELECT 1")
		require.NoError(t, err)
		require.NoError(t, c.Release(ctx))

		assert.Equal(t, []string{"SELECT 1"}, pool.take(t).log)
	})
}

func TestConn_CallerTransactionIsReused(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO widgets VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, []string{
		"BEGIN", stmtSet, "SET ROLE app_tenant", "INSERT INTO widgets VALUES (1)", "COMMIT",
		stmtReset, stmtSet,
	}, raw.log)
	assert.Equal(t, "", raw.sess.role)
}

func TestConn_NestedBeginUsesSavepoint(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	user, _, err := whoAmI(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, rls.DefaultTenantRole, user)
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Contains(t, raw.log, "SAVEPOINT tenantguard_sp_1")
	assert.Contains(t, raw.log, "ROLLBACK TO SAVEPOINT tenantguard_sp_1")
	assert.Equal(t, 1, raw.count("BEGIN"))
	assert.Equal(t, 1, raw.count("COMMIT"))
}

func TestConn_RollbackRearmsEnforcement(t *testing.T) {
	insert := "INSERT INTO widgets VALUES (1)"
	cases := []struct {
		name         string
		run          func(t *testing.T, ctx context.Context, c *Conn)
		wantPrepared bool
		wantApplies  int
	}{
		{
			name: "rollback of the applying transaction",
			run: func(t *testing.T, ctx context.Context, c *Conn) {
				tx, err := c.Begin(ctx)
				require.NoError(t, err)
				_, err = tx.Exec(ctx, insert)
				require.NoError(t, err)
				require.NoError(t, tx.Rollback(ctx))
			},
			wantPrepared: false,
			wantApplies:  2,
		},
		{
			name: "rollback after the applying transaction committed",
			run: func(t *testing.T, ctx context.Context, c *Conn) {
				tx, err := c.Begin(ctx)
				require.NoError(t, err)
				_, err = tx.Exec(ctx, insert)
				require.NoError(t, err)
				require.NoError(t, tx.Commit(ctx))

				tx, err = c.Begin(ctx)
				require.NoError(t, err)
				require.NoError(t, tx.Rollback(ctx))
			},
			wantPrepared: true,
			wantApplies:  1,
		},
		{
			name: "savepoint opened before the first statement",
			run: func(t *testing.T, ctx context.Context, c *Conn) {
				outer, err := c.Begin(ctx)
				require.NoError(t, err)
				inner, err := c.Begin(ctx)
				require.NoError(t, err)
				_, err = inner.Exec(ctx, insert)
				require.NoError(t, err)
				require.NoError(t, inner.Rollback(ctx))
				require.NoError(t, outer.Commit(ctx))
			},
			wantPrepared: true,
			wantApplies:  1,
		},
		{
			name: "commit of an aborted transaction",
			run: func(t *testing.T, ctx context.Context, c *Conn) {
				c.raw.(*fakeConn).failOn["INSERT"] = errors.New("constraint")
				tx, err := c.Begin(ctx)
				require.NoError(t, err)
				_, err = tx.Exec(ctx, insert)
				require.Error(t, err)
				require.ErrorIs(t, tx.Commit(ctx), pgx.ErrTxCommitRollback)
				delete(c.raw.(*fakeConn).failOn, "INSERT")
			},
			wantPrepared: false,
			wantApplies:  2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := newFakePool(1, rls.DefaultTenantRole)
			g, _ := newTestGuard(t, rls.ModeStrict, pool)
			ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

			c, err := g.Acquire(ctx)
			require.NoError(t, err)
			tc.run(t, ctx, c)
			assert.Equal(t, tc.wantPrepared, c.Prepared())

			// Every statement still runs under the tenant.
			user, tenant, err := whoAmI(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, rls.DefaultTenantRole, user)
			assert.Equal(t, "lab-1", tenant)
			require.NoError(t, c.Release(ctx))

			// The next checkout without a context sees a clean session.
			next, err := g.Acquire(context.Background())
			require.NoError(t, err)
			user, tenant, err = whoAmI(context.Background(), next)
			require.NoError(t, err)
			assert.Equal(t, "postgres", user)
			assert.Equal(t, "", tenant)
			require.NoError(t, next.Release(context.Background()))

			raw := pool.take(t)
			assert.Equal(t, tc.wantApplies, raw.count("SET ROLE app_tenant"))
			assert.GreaterOrEqual(t, raw.count(stmtReset), 1)
			assert.Equal(t, "", raw.sess.role)
			assert.Equal(t, "", raw.sess.setting[rls.DefaultSetting])
		})
	}
}

func TestConn_ContextMismatch(t *testing.T) {
	lab1 := secctx.With(context.Background(), secctx.Tenant("lab-1"))
	lab2 := secctx.With(context.Background(), secctx.Tenant("lab-2"))

	t.Run("strict", func(t *testing.T) {
		pool := newFakePool(1, rls.DefaultTenantRole)
		g, _ := newTestGuard(t, rls.ModeStrict, pool)

		c, err := g.Acquire(lab1)
		require.NoError(t, err)
		_, err = c.Exec(lab1, "SELECT 1")
		require.NoError(t, err)
		_, err = c.Exec(lab2, "SELECT 2")
		require.ErrorIs(t, err, ErrContextMismatch)

		// A statement without an explicit context keeps the applied one.
		_, err = c.Exec(context.Background(), "SELECT 3")
		require.NoError(t, err)
		require.NoError(t, c.Release(lab1))

		raw := pool.take(t)
		assert.NotContains(t, raw.log, "SELECT 2")
		assert.Equal(t, 0, raw.count("COMMIT"))
	})

	t.Run("lenient", func(t *testing.T) {
		pool := newFakePool(1, rls.DefaultTenantRole)
		g, _ := newTestGuard(t, rls.ModeLenient, pool)

		c, err := g.Acquire(lab1)
		require.NoError(t, err)
		_, err = c.Exec(lab1, "SELECT 1")
		require.NoError(t, err)
		_, err = c.Exec(lab2, "SELECT 2")
		require.NoError(t, err)
		require.NoError(t, c.Release(lab1))
	})
}

func TestConn_StrictResetFailureDiscardsConnection(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))
	resetErr := errors.New("reset refused")

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	raw := c.raw.(*fakeConn)
	_, err = c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	raw.failOn[stmtReset] = resetErr

	err = c.Release(ctx)
	_, ok := errors.AsType[*rls.ResetError](err)
	require.True(t, ok, "err=%v", err)
	assert.ErrorIs(t, err, resetErr)
	assert.Equal(t, 1, pool.discardCount())
	assert.NotSame(t, raw, pool.take(t))
}

func TestConn_LenientResetFailureDiscardsConnection(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeLenient, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	c.raw.(*fakeConn).failOn[stmtReset] = errors.New("lenient reset boom " + t.Name())

	require.NoError(t, c.Release(ctx))
	assert.Equal(t, 1, pool.discardCount())
}

func TestConn_ReleaseIgnoresCanceledContext(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx, cancel := context.WithCancel(secctx.With(context.Background(), secctx.Tenant("lab-1")))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	cancel()
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, 1, raw.count(stmtReset))
	assert.Equal(t, txStatusIdle, raw.status)
	assert.Equal(t, "", raw.sess.role)
}

func TestConn_OpenCallerTransactionIsRolledBack(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, buf := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))

	c, err := g.Acquire(ctx)
	require.NoError(t, err)
	_, err = c.Begin(ctx)
	require.NoError(t, err)
	_, err = c.Exec(ctx, "INSERT INTO widgets VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx))

	raw := pool.take(t)
	assert.Equal(t, []string{
		"BEGIN", stmtSet, "SET ROLE app_tenant", "INSERT INTO widgets VALUES (1)",
		"ROLLBACK", stmtReset, stmtSet,
	}, raw.log)
	assert.Contains(t, buf.String(), "left open at release")
}

func TestGuard_WithConnRollsBackOnError(t *testing.T) {
	pool := newFakePool(1, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)
	ctx := secctx.With(context.Background(), secctx.Tenant("lab-1"))
	boom := errors.New("business rule failed")

	err := g.WithConn(ctx, func(ctx context.Context, c *Conn) error {
		if _, err := c.Exec(ctx, "INSERT INTO widgets VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	raw := pool.take(t)
	assert.Equal(t, 0, raw.count("COMMIT"))
	assert.Equal(t, 1, raw.count("ROLLBACK"))
	assert.Equal(t, "", raw.sess.role)
}

func TestGuard_ConcurrentTenantsNeverSeeEachOther(t *testing.T) {
	pool := newFakePool(2, rls.DefaultTenantRole)
	g, _ := newTestGuard(t, rls.ModeStrict, pool)

	var eg errgroup.Group
	for _, tenantID := range []string{"lab-1", "lab-2"} {
		eg.Go(func() error {
			ctx := secctx.With(context.Background(), secctx.Tenant(tenantID))
			for i := range 50 {
				err := g.WithConn(ctx, func(ctx context.Context, c *Conn) error {
					user, tenant, err := whoAmI(ctx, c)
					if err != nil {
						return err
					}
					if user != rls.DefaultTenantRole || tenant != tenantID {
						return fmt.Errorf("query %d for %s saw %s/%s", i, tenantID, user, tenant)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for range 2 {
		raw := pool.take(t)
		assert.Equal(t, "", raw.sess.role)
		assert.Equal(t, "", raw.sess.setting[rls.DefaultSetting])
		assert.Equal(t, txStatusIdle, raw.status)
	}
	assert.Zero(t, pool.discardCount())
}
