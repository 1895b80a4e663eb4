package dbguard

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RawConn is one checked-out physical connection. Implementations should be
// pointer types; Guard.Wrap only tracks pointers across repeated wraps.
type RawConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	TxStatus() byte
	// Release returns the connection to its pool.
	Release()
	// Discard closes the connection instead of returning it to the pool.
	Discard(ctx context.Context) error
}

type Acquirer interface {
	Acquire(ctx context.Context) (RawConn, error)
}

type pgxPool struct {
	pool *pgxpool.Pool
}

// FromPGXPool adapts a pgx pool.
func FromPGXPool(p *pgxpool.Pool) Acquirer {
	return pgxPool{pool: p}
}

func (p pgxPool) Acquire(ctx context.Context) (RawConn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) TxStatus() byte {
	return c.conn.Conn().PgConn().TxStatus()
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

func (c *pgxConn) Discard(ctx context.Context) error {
	return c.conn.Hijack().Close(ctx)
}
