package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/jacksonlee411/tenantguard/internal/dbguard"
	"github.com/jacksonlee411/tenantguard/internal/rls"
	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

const smokeTable = "public.tenantguard_smoke"

// rlsSmoke checks end to end that tenant context follows the request onto
// pooled connections and never outlives it.
func rlsSmoke(args []string) {
	fs := flag.NewFlagSet("rls-smoke", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, tenantRole, adminRole, setting string
	var queries int
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&tenantRole, "tenant-role", rls.DefaultTenantRole, "role assumed for tenant scope")
	fs.StringVar(&adminRole, "admin-role", rls.DefaultAdminRole, "role assumed for admin scope")
	fs.StringVar(&setting, "setting", rls.DefaultSetting, "tenant setting read by the policies")
	fs.IntVar(&queries, "queries", 50, "queries per tenant in the concurrency check")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if err := ensureRoles(ctx, conn, tenantRole, adminRole, ""); err != nil {
		fatal(err)
	}
	opts := rls.Options{Mode: rls.ModeStrict, TenantRole: tenantRole, AdminRole: adminRole, Setting: setting}
	if _, err := rls.NewApplier(opts); err != nil {
		fatal(err)
	}
	if err := setupSmokeTable(ctx, conn, tenantRole, setting); err != nil {
		fatal(err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `DROP TABLE IF EXISTS `+smokeTable)
	}()

	guard, pool, err := openGuard(ctx, url, 2, opts)
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	tenants := []string{uuid.Must(uuid.NewV7()).String(), uuid.Must(uuid.NewV7()).String()}
	for _, id := range tenants {
		if err := guard.WithTenantContext(ctx, id, func(ctx context.Context, q dbguard.Querier) error {
			_, err := q.Exec(ctx, `INSERT INTO `+smokeTable+` (tenant_id, val) VALUES ($1, 'seed')`, id)
			return err
		}); err != nil {
			fatal(err)
		}
	}

	err = guard.WithTenantContext(ctx, tenants[0], func(ctx context.Context, q dbguard.Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO `+smokeTable+` (tenant_id, val) VALUES ($1, 'cross')`, tenants[1])
		return err
	})
	if err == nil {
		fatalf("expected RLS rejection on cross-tenant insert")
	}

	if err := smokeConcurrentTenants(ctx, guard, tenants, queries); err != nil {
		fatal(err)
	}
	slog.Info("rls-smoke: concurrent tenants isolated", "tenants", len(tenants), "queries", queries)

	// A single-connection pool guarantees the failed checkout and the probe
	// share one physical connection.
	single, singlePool, err := openGuard(ctx, url, 1, opts)
	if err != nil {
		fatal(err)
	}
	defer singlePool.Close()
	if err := smokeFailedCheckout(ctx, single, singlePool, setting); err != nil {
		fatal(err)
	}
	slog.Info("rls-smoke: failed checkout left no residue")

	fmt.Println("[rls-smoke] OK")
}

func setupSmokeTable(ctx context.Context, conn *pgx.Conn, tenantRole string, setting string) error {
	if !rls.ValidRoleName(tenantRole) {
		return fmt.Errorf("invalid role: %s", tenantRole)
	}
	// setting was validated by rls.NewApplier.
	policy := fmt.Sprintf(`tenant_id = current_setting('%s', true)`, setting)
	stmts := []string{
		`DROP TABLE IF EXISTS ` + smokeTable,
		`CREATE TABLE ` + smokeTable + ` (tenant_id text NOT NULL, val text NOT NULL)`,
		`ALTER TABLE ` + smokeTable + ` ENABLE ROW LEVEL SECURITY`,
		`ALTER TABLE ` + smokeTable + ` FORCE ROW LEVEL SECURITY`,
		`CREATE POLICY tenant_isolation ON ` + smokeTable + ` USING (` + policy + `) WITH CHECK (` + policy + `)`,
		`GRANT USAGE ON SCHEMA public TO ` + tenantRole,
		`GRANT SELECT, INSERT ON ` + smokeTable + ` TO ` + tenantRole,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// smokeConcurrentTenants runs interleaved queries for every tenant over a
// shared pool and checks that each one only ever sees its own tenant.
func smokeConcurrentTenants(ctx context.Context, guard *dbguard.Guard, tenants []string, queries int) error {
	setting := guard.Applier().Setting()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range tenants {
		g.Go(func() error {
			ctx := secctx.With(gctx, secctx.Tenant(id))
			for i := range queries {
				var seen string
				var foreign, total int64
				err := guard.WithConn(ctx, func(ctx context.Context, c *dbguard.Conn) error {
					return c.QueryRow(ctx, `
SELECT coalesce(current_setting($1, true), ''),
       count(*) FILTER (WHERE tenant_id <> $2),
       count(*)
FROM `+smokeTable, setting, id).Scan(&seen, &foreign, &total)
				})
				if err != nil {
					return fmt.Errorf("tenant %s query %d: %w", id, i, err)
				}
				if seen != id || foreign != 0 || total != 1 {
					return fmt.Errorf("tenant %s query %d: saw setting=%q foreign=%d total=%d", id, i, seen, foreign, total)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// smokeFailedCheckout fails a statement mid-transaction and then probes the
// same physical connection with no context.
func smokeFailedCheckout(ctx context.Context, guard *dbguard.Guard, pool *pgxpool.Pool, setting string) error {
	tenantCtx := secctx.With(ctx, secctx.Tenant(uuid.Must(uuid.NewV7()).String()))
	err := guard.WithConn(tenantCtx, func(ctx context.Context, c *dbguard.Conn) error {
		_, err := c.Exec(ctx, `SELECT 1/0`)
		return err
	})
	if err == nil {
		return errors.New("expected division by zero")
	}

	var sameUser bool
	var leftover string
	if err := pool.QueryRow(ctx,
		`SELECT current_user = session_user, coalesce(current_setting($1, true), '')`, setting,
	).Scan(&sameUser, &leftover); err != nil {
		return err
	}
	if !sameUser || leftover != "" {
		return fmt.Errorf("connection reused with residue: login_role=%t setting=%q", sameUser, leftover)
	}
	return nil
}
