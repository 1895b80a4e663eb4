package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacksonlee411/tenantguard/internal/dbguard"
	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/internal/rls"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <ensure-roles|rls-smoke|tenant-sweep> [args]")
	}

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	flush := applog.Init(applog.Config{Level: level, Format: "text", Output: os.Stderr})
	defer flush()

	switch os.Args[1] {
	case "ensure-roles":
		ensureRolesCmd(os.Args[2:])
	case "rls-smoke":
		rlsSmoke(os.Args[2:])
	case "tenant-sweep":
		tenantSweep(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

// openGuard opens a pool of at most maxConns connections and wraps it.
func openGuard(ctx context.Context, url string, maxConns int32, opts rls.Options) (*dbguard.Guard, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, nil, err
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	applier, err := rls.NewApplier(opts)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return dbguard.New(dbguard.FromPGXPool(pool), applier), pool, nil
}

func pgErrorMessage(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	return pgErr.Message, true
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	if msg, ok := pgErrorMessage(err); ok {
		fatalf("%v (%s)", err, msg)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
