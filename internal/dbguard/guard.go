// Package dbguard enforces the ambient SecurityContext on pooled Postgres
// connections: the first statement of each checkout applies the context
// inside a transaction, and release resets the session before the connection
// goes back to the pool.
package dbguard

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/internal/rls"
)

const DefaultCleanupTimeout = 5 * time.Second

var (
	ErrReleased        = errors.New("dbguard: connection already released")
	ErrContextMismatch = errors.New("dbguard: security context differs from the one applied to this connection")
	ErrTxLeftOpen      = errors.New("dbguard: transaction still open after rollback")
	ErrTxClosed        = errors.New("dbguard: transaction already closed")
)

type Guard struct {
	pool           Acquirer
	applier        *rls.Applier
	logger         *slog.Logger
	cleanupTimeout time.Duration

	// active maps a checked-out RawConn to its *Conn.
	active sync.Map
}

type Option func(*Guard)

func WithCleanupTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.cleanupTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = applog.OrDefault(l) }
}

func New(pool Acquirer, applier *rls.Applier, opts ...Option) *Guard {
	g := &Guard{
		pool:           pool,
		applier:        applier,
		logger:         slog.Default(),
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Applier() *rls.Applier { return g.applier }

// Acquire checks a connection out of the pool. The caller must Release it.
func (g *Guard) Acquire(ctx context.Context) (*Conn, error) {
	return g.acquire(ctx, false)
}

func (g *Guard) acquire(ctx context.Context, skip bool) (*Conn, error) {
	raw, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c := g.Wrap(raw)
	if skip {
		c.SkipEnforcement()
	}
	return c, nil
}

// Wrap returns the enforcing connection for raw. Wrapping the same checkout
// twice returns the same *Conn when raw is a pointer; other RawConn values
// cannot be told apart and get a fresh *Conn each time.
func (g *Guard) Wrap(raw RawConn) *Conn {
	c := &Conn{raw: raw, guard: g}
	if !trackable(raw) {
		return c
	}
	actual, _ := g.active.LoadOrStore(raw, c)
	return actual.(*Conn)
}

func (g *Guard) forget(raw RawConn) {
	if trackable(raw) {
		g.active.Delete(raw)
	}
}

// trackable reports whether raw can key the active map. Only pointers are
// accepted: a non-comparable value would panic inside sync.Map.
func trackable(raw RawConn) bool {
	return raw != nil && reflect.TypeOf(raw).Kind() == reflect.Pointer
}

// WithConn runs fn on a checked-out connection and releases it afterwards.
// An error from fn rolls back the transaction the guard opened.
func (g *Guard) WithConn(ctx context.Context, fn func(ctx context.Context, c *Conn) error) (err error) {
	c, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			c.markFailed()
			_ = c.Release(ctx)
			panic(p)
		}
	}()

	if fnErr := fn(ctx, c); fnErr != nil {
		c.markFailed()
		if relErr := c.Release(ctx); relErr != nil {
			g.logger.WarnContext(ctx, "dbguard: release failed after error", slog.String("error", relErr.Error()))
		}
		return fnErr
	}
	return c.Release(ctx)
}

// Exec runs a single statement on its own checkout.
func (g *Guard) Exec(ctx context.Context, sql string, args ...any) error {
	return g.WithConn(ctx, func(ctx context.Context, c *Conn) error {
		_, err := c.Exec(ctx, sql, args...)
		return err
	})
}

// detachWithTimeout keeps ctx values but not its cancellation, so cleanup
// still runs when the request context is done.
func detachWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}
