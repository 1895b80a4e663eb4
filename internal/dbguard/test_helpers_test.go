package dbguard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/internal/rls"
)

const qWhoAmI = `SELECT current_user, current_setting($1, true)`

var errAborted = &pgconn.PgError{Code: "25P02", Message: "current transaction is aborted, commands ignored until end of transaction block"}

type session struct {
	role    string
	setting map[string]string
}

func (s session) clone() session {
	return session{role: s.role, setting: maps.Clone(s.setting)}
}

type snapshot struct {
	name string
	sess session
}

// fakeConn models the parts of a Postgres session the guard relies on:
// transaction status, and role and settings that a rollback restores.
type fakeConn struct {
	id     int
	pool   *fakePool
	status byte
	sess   session
	snaps  []snapshot
	roles  map[string]bool
	// failOn maps a statement prefix to the error it fails with.
	failOn  map[string]error
	rowsErr map[string]error
	log     []string
}

func newFakeConn(id int, roles ...string) *fakeConn {
	c := &fakeConn{
		id:      id,
		status:  txStatusIdle,
		sess:    session{setting: map[string]string{}},
		roles:   map[string]bool{},
		failOn:  map[string]error{},
		rowsErr: map[string]error{},
	}
	for _, r := range roles {
		c.roles[r] = true
	}
	return c
}

func (c *fakeConn) abort() {
	if c.status == txStatusInTx {
		c.status = txStatusFailed
	}
}

func (c *fakeConn) currentUser() string {
	if c.sess.role == "" {
		return "postgres"
	}
	return c.sess.role
}

func (c *fakeConn) count(stmt string) int {
	n := 0
	for _, s := range c.log {
		if s == stmt {
			n++
		}
	}
	return n
}

func (c *fakeConn) findSnapshot(name string) int {
	for i := len(c.snaps) - 1; i > 0; i-- {
		if c.snaps[i].name == name {
			return i
		}
	}
	return -1
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	c.log = append(c.log, sql)
	upper := strings.ToUpper(strings.TrimSpace(sql))

	switch {
	case upper == "BEGIN":
		if c.status == txStatusIdle {
			c.status = txStatusInTx
			c.snaps = []snapshot{{sess: c.sess.clone()}}
		}
		return pgconn.NewCommandTag("BEGIN"), nil
	case upper == "COMMIT":
		if c.status == txStatusFailed {
			c.sess = c.snaps[0].sess
			c.status, c.snaps = txStatusIdle, nil
			return pgconn.NewCommandTag("ROLLBACK"), nil
		}
		c.status, c.snaps = txStatusIdle, nil
		return pgconn.NewCommandTag("COMMIT"), nil
	case upper == "ROLLBACK":
		if c.status != txStatusIdle {
			c.sess = c.snaps[0].sess
		}
		c.status, c.snaps = txStatusIdle, nil
		return pgconn.NewCommandTag("ROLLBACK"), nil
	case strings.HasPrefix(upper, "ROLLBACK TO SAVEPOINT "):
		i := c.findSnapshot(sql[len("ROLLBACK TO SAVEPOINT "):])
		if i < 0 {
			c.abort()
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "3B001"}
		}
		c.sess = c.snaps[i].sess.clone()
		c.snaps = c.snaps[:i+1]
		c.status = txStatusInTx
		return pgconn.NewCommandTag("ROLLBACK"), nil
	}

	if c.status == txStatusFailed {
		return pgconn.CommandTag{}, errAborted
	}
	for prefix, err := range c.failOn {
		if strings.HasPrefix(sql, prefix) {
			c.abort()
			return pgconn.CommandTag{}, err
		}
	}

	switch {
	case strings.HasPrefix(upper, "SAVEPOINT "):
		if c.status == txStatusIdle {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "25P01"}
		}
		c.snaps = append(c.snaps, snapshot{name: sql[len("SAVEPOINT "):], sess: c.sess.clone()})
	case strings.HasPrefix(upper, "RELEASE SAVEPOINT "):
		i := c.findSnapshot(sql[len("RELEASE SAVEPOINT "):])
		if i < 0 {
			c.abort()
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "3B001"}
		}
		c.snaps = c.snaps[:i]
	case sql == `SELECT set_config($1, $2, false)`:
		c.sess.setting[args[0].(string)] = args[1].(string)
	case upper == "RESET ROLE":
		c.sess.role = ""
	case strings.HasPrefix(upper, "SET ROLE "):
		role := sql[len("SET ROLE "):]
		if !c.roles[role] {
			c.abort()
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "42704", Message: fmt.Sprintf("role %q does not exist", role)}
		}
		c.sess.role = role
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if _, err := c.Exec(ctx, sql, args...); err != nil {
		return nil, err
	}
	for prefix, err := range c.rowsErr {
		if strings.HasPrefix(sql, prefix) {
			c.abort()
			return &fakeRows{err: err}, nil
		}
	}
	return &fakeRows{vals: [][]any{{c.currentUser()}}}, nil
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if _, err := c.Exec(ctx, sql, args...); err != nil {
		return fakeRow{err: err}
	}
	if sql == qWhoAmI {
		return fakeRow{vals: []any{c.currentUser(), c.sess.setting[args[0].(string)]}}
	}
	return fakeRow{vals: []any{"ok"}}
}

func (c *fakeConn) TxStatus() byte { return c.status }

func (c *fakeConn) Release() {
	if c.pool != nil {
		c.pool.put(c)
	}
}

func (c *fakeConn) Discard(context.Context) error {
	if c.pool != nil {
		c.pool.replace(c)
	}
	return nil
}

type fakePool struct {
	mu        sync.Mutex
	idle      chan *fakeConn
	nextID    int
	roles     []string
	discarded []*fakeConn
}

func newFakePool(size int, roles ...string) *fakePool {
	p := &fakePool{idle: make(chan *fakeConn, size), roles: roles}
	for range size {
		p.idle <- p.newConn()
	}
	return p
}

func (p *fakePool) newConn() *fakeConn {
	p.nextID++
	c := newFakeConn(p.nextID, p.roles...)
	c.pool = p
	return c
}

func (p *fakePool) Acquire(ctx context.Context) (RawConn, error) {
	select {
	case c := <-p.idle:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePool) put(c *fakeConn) { p.idle <- c }

func (p *fakePool) replace(c *fakeConn) {
	p.mu.Lock()
	p.discarded = append(p.discarded, c)
	fresh := p.newConn()
	p.mu.Unlock()
	p.idle <- fresh
}

func (p *fakePool) discardCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.discarded)
}

// take checks out a raw connection without the guard.
func (p *fakePool) take(t *testing.T) *fakeConn {
	t.Helper()
	raw, err := p.Acquire(context.Background())
	require.NoError(t, err)
	return raw.(*fakeConn)
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.vals, dest)
}

type fakeRows struct {
	vals [][]any
	i    int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.i >= len(r.vals) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return scanInto(r.vals[r.i-1], dest) }

func (r *fakeRows) Values() ([]any, error) { return r.vals[r.i-1], nil }

func scanInto(vals []any, dest []any) error {
	if len(vals) != len(dest) {
		return errors.New("scan: column count mismatch")
	}
	for i := range dest {
		d, ok := dest[i].(*string)
		if !ok {
			return fmt.Errorf("scan: unsupported dest %T", dest[i])
		}
		*d = vals[i].(string)
	}
	return nil
}

func newTestGuard(t *testing.T, mode rls.Mode, pool Acquirer) (*Guard, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := applog.New(applog.Config{Level: "debug", Format: "json", Output: &buf})
	a, err := rls.NewApplier(rls.Options{Mode: mode, Logger: logger})
	require.NoError(t, err)
	return New(pool, a, WithLogger(logger)), &buf
}

func whoAmI(ctx context.Context, q Querier) (user, tenant string, err error) {
	err = q.QueryRow(ctx, qWhoAmI, rls.DefaultSetting).Scan(&user, &tenant)
	return user, tenant, err
}
