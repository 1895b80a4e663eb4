package dbguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

// Conn is one checkout of a physical connection with the security context
// enforced on it. A Conn is not safe for concurrent use.
type Conn struct {
	raw   RawConn
	guard *Guard

	skip     bool
	prepared bool
	// applied is the context recorded at preparation time, even when the
	// lenient policy let it through without session changes.
	applied     secctx.SecurityContext
	applyErr    error
	ownsTx      bool
	queryFailed bool
	shouldReset bool
	// committed is set once a transaction carrying applied session state
	// committed. A later rollback no longer undoes that state.
	committed   bool
	poisoned    bool
	released    bool
	savepoints  int
}

// SkipEnforcement turns enforcement off for this checkout. It has no effect
// once the first statement ran.
func (c *Conn) SkipEnforcement() {
	if !c.prepared {
		c.skip = true
	}
}

// Prepared reports whether the security context was already checked on this
// checkout.
func (c *Conn) Prepared() bool { return c.prepared }

// Applied returns the security context the checkout was prepared with.
func (c *Conn) Applied() secctx.SecurityContext { return c.applied }

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	kind := classifyStatement(sql)
	if err := c.before(ctx, kind); err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := c.raw.Exec(ctx, sql, args...)
	c.after(kind, tag, err)
	return tag, err
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	kind := classifyStatement(sql)
	if err := c.before(ctx, kind); err != nil {
		return nil, err
	}
	rows, err := c.raw.Query(ctx, sql, args...)
	c.after(kind, pgconn.CommandTag{}, err)
	if err != nil {
		return nil, err
	}
	return &trackedRows{Rows: rows, conn: c}, nil
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	kind := classifyStatement(sql)
	if err := c.before(ctx, kind); err != nil {
		return errRow{err: err}
	}
	return &trackedRow{row: c.raw.QueryRow(ctx, sql, args...), conn: c}
}

// Begin opens a transaction, or a savepoint when one is already open.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	if c.raw.TxStatus() == txStatusIdle {
		if _, err := c.Exec(ctx, "BEGIN"); err != nil {
			return nil, err
		}
		return &Tx{conn: c}, nil
	}
	c.savepoints++
	name := fmt.Sprintf("tenantguard_sp_%d", c.savepoints)
	if _, err := c.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}
	return &Tx{conn: c, savepoint: name}, nil
}

// before runs ahead of every statement. Transaction-control statements pass
// through untouched, except that the context is applied ahead of the first
// savepoint so rolling back to it cannot undo the session state. The first
// other statement prepares the session.
func (c *Conn) before(ctx context.Context, kind txControl) error {
	if c.released {
		return ErrReleased
	}
	if c.skip {
		return nil
	}
	switch kind {
	case txNone:
	case txSavepoint:
		if !c.prepared {
			return c.prepare(ctx)
		}
		return nil
	default:
		return nil
	}
	if c.applyErr != nil {
		return c.applyErr
	}
	if !c.prepared {
		return c.prepare(ctx)
	}
	return c.checkMismatch(ctx)
}

func (c *Conn) after(kind txControl, tag pgconn.CommandTag, err error) {
	if err != nil {
		c.queryFailed = true
		return
	}
	if c.skip {
		return
	}
	// COMMIT of an aborted transaction reports ROLLBACK.
	if kind == txCommit && tag.String() == "ROLLBACK" {
		kind = txRollback
	}
	switch kind {
	case txCommit:
		if c.shouldReset {
			c.committed = true
		}
	case txRollback:
		c.ownsTx = false
		c.queryFailed = false
		// The rollback undid session state applied in this transaction, so
		// the next statement prepares again. shouldReset stays set.
		if c.prepared && !c.committed {
			c.prepared = false
			c.applied = secctx.SecurityContext{}
			c.applyErr = nil
		}
	}
}

func (c *Conn) prepare(ctx context.Context) error {
	c.prepared = true
	sc := secctx.From(ctx)
	c.applied = sc
	if sc.IsNone() {
		return nil
	}

	if sc.Scope == secctx.ScopeTenant && !sc.HasTenantID() {
		if err := c.guard.applier.MissingTenantID(ctx); err != nil {
			c.fail(err)
			return err
		}
		return nil
	}

	if c.raw.TxStatus() == txStatusIdle {
		if _, err := c.raw.Exec(ctx, "BEGIN"); err != nil {
			c.fail(err)
			return err
		}
		c.ownsTx = true
	}

	applied, err := c.guard.applier.Apply(ctx, c.raw, sc)
	c.shouldReset = c.shouldReset || applied
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Conn) checkMismatch(ctx context.Context) error {
	sc, ok := secctx.Lookup(ctx)
	if !ok || sc == c.applied {
		return nil
	}
	err := fmt.Errorf("%w: prepared for %s, statement carries %s", ErrContextMismatch, c.applied, sc)
	if err := c.guard.applier.Violation(ctx, "context_mismatch", err); err != nil {
		c.queryFailed = true
		return err
	}
	return nil
}

func (c *Conn) fail(err error) {
	c.applyErr = err
	c.queryFailed = true
}

func (c *Conn) markFailed() { c.queryFailed = true }

// Release finishes the checkout: it resets the session, resolves the
// transaction the guard opened, and returns the connection to the pool, or
// closes it when its session state is unknown. Cleanup ignores cancellation
// of ctx. Calling Release again is a no-op.
func (c *Conn) Release(ctx context.Context) error {
	if c.released {
		return nil
	}
	c.released = true

	ctx, cancel := detachWithTimeout(ctx, c.guard.cleanupTimeout)
	defer cancel()

	var pending error
	keep := func(step string, err error) {
		if err == nil {
			return
		}
		if pending == nil {
			pending = err
			return
		}
		c.guard.logger.WarnContext(ctx, "dbguard: additional cleanup failure",
			slog.String("step", step), slog.String("error", err.Error()))
	}

	discard := c.poisoned
	resetPending := c.shouldReset
	reset := func() {
		resetPending = false
		clean, err := c.guard.applier.Reset(ctx, c.raw)
		if !clean {
			discard = true
		}
		keep("reset", err)
	}

	status := c.raw.TxStatus()
	commit := c.ownsTx && status == txStatusInTx && !c.queryFailed

	// A reset issued inside a transaction that is then rolled back would be
	// undone, so it only runs first when the transaction is going to commit.
	if resetPending && (status == txStatusIdle || commit) {
		reset()
	}

	if c.ownsTx && status != txStatusIdle {
		if commit {
			tag, err := c.raw.Exec(ctx, "COMMIT")
			if err == nil && tag.String() == "ROLLBACK" {
				err = pgx.ErrTxCommitRollback
			}
			keep("commit", err)
		} else {
			_, err := c.raw.Exec(ctx, "ROLLBACK")
			keep("rollback", err)
		}
	}

	if c.raw.TxStatus() != txStatusIdle {
		c.guard.logger.WarnContext(ctx, "dbguard: rolling back transaction left open at release")
		_, err := c.raw.Exec(ctx, "ROLLBACK")
		keep("rollback", err)
		if c.raw.TxStatus() != txStatusIdle {
			discard = true
			keep("rollback", ErrTxLeftOpen)
		}
	}

	if resetPending {
		reset()
	}

	// Forget before the pool can hand the connection to someone else.
	c.guard.forget(c.raw)
	if discard {
		if err := c.raw.Discard(ctx); err != nil {
			c.guard.logger.WarnContext(ctx, "dbguard: discard failed", slog.String("error", err.Error()))
		}
		return pending
	}
	c.raw.Release()
	return pending
}

// Tx is a transaction or savepoint opened through Conn.Begin.
type Tx struct {
	conn      *Conn
	savepoint string
	done      bool
}

func (tx *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return tx.conn.Exec(ctx, sql, args...)
}

func (tx *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.conn.Query(ctx, sql, args...)
}

func (tx *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.conn.QueryRow(ctx, sql, args...)
}

func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	if tx.savepoint != "" {
		_, err := tx.conn.Exec(ctx, "RELEASE SAVEPOINT "+tx.savepoint)
		return err
	}
	tag, err := tx.conn.Exec(ctx, "COMMIT")
	if err == nil && tag.String() == "ROLLBACK" {
		return pgx.ErrTxCommitRollback
	}
	return err
}

// Rollback is a no-op after Commit, so it can be deferred.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.savepoint != "" {
		if _, err := tx.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+tx.savepoint); err != nil {
			return err
		}
		_, err := tx.conn.Exec(ctx, "RELEASE SAVEPOINT "+tx.savepoint)
		return err
	}
	_, err := tx.conn.Exec(ctx, "ROLLBACK")
	return err
}

type trackedRows struct {
	pgx.Rows
	conn *Conn
}

func (r *trackedRows) Close() {
	r.Rows.Close()
	if r.Rows.Err() != nil {
		r.conn.markFailed()
	}
}

func (r *trackedRows) Err() error {
	err := r.Rows.Err()
	if err != nil {
		r.conn.markFailed()
	}
	return err
}

type trackedRow struct {
	row  pgx.Row
	conn *Conn
}

func (r *trackedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		r.conn.markFailed()
	}
	return err
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
