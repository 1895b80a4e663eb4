package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/jacksonlee411/tenantguard/internal/dbguard"
	"github.com/jacksonlee411/tenantguard/internal/rls"
	"github.com/jacksonlee411/tenantguard/internal/tenancy"
)

// tenantSweep runs one statement per tenant, each inside its own scoped
// transaction.
func tenantSweep(args []string) {
	fs := flag.NewFlagSet("tenant-sweep", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, tenantsPath, stmt, tenantRole, setting string
	var concurrency int
	var timeout time.Duration
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&tenantsPath, "tenants", "config/tenants.yaml", "tenants file")
	fs.StringVar(&stmt, "sql", "", "statement to run for each tenant")
	fs.StringVar(&tenantRole, "tenant-role", rls.DefaultTenantRole, "role assumed for tenant scope")
	fs.StringVar(&setting, "setting", rls.DefaultSetting, "tenant setting read by the policies")
	fs.IntVar(&concurrency, "concurrency", 4, "tenants processed in parallel")
	fs.DurationVar(&timeout, "timeout", 10*time.Minute, "overall timeout")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}
	if err := validateSweepStatement(stmt); err != nil {
		fatal(err)
	}
	if concurrency <= 0 {
		fatalf("--concurrency must be positive")
	}

	tenants, err := tenancy.LoadTenantsFile(tenantsPath)
	if err != nil {
		fatal(err)
	}
	ids := sweepTenantIDs(tenants)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	guard, pool, err := openGuard(ctx, url, int32(concurrency), rls.Options{
		Mode:       rls.ModeStrict,
		TenantRole: tenantRole,
		Setting:    setting,
	})
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	if err := runSweep(ctx, guard, ids, stmt, concurrency); err != nil {
		fatal(err)
	}
	fmt.Printf("[tenant-sweep] OK tenants=%d\n", len(ids))
}

func runSweep(ctx context.Context, guard *dbguard.Guard, ids []string, stmt string, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			tag, err := dbguard.InTenant(gctx, guard, id, func(ctx context.Context, q dbguard.Querier) (pgconn.CommandTag, error) {
				return q.Exec(ctx, stmt)
			})
			if err != nil {
				return fmt.Errorf("tenant %s: %w", id, err)
			}
			slog.InfoContext(gctx, "tenant-sweep: done", "tenant_id", id, "tag", tag.String())
			return nil
		})
	}
	return g.Wait()
}

// sweepTenantIDs returns each tenant id once, in a stable order. Several
// domains may map to the same tenant.
func sweepTenantIDs(tenants map[string]tenancy.Tenant) []string {
	ids := lo.Uniq(lo.MapToSlice(tenants, func(_ string, t tenancy.Tenant) string { return t.ID }))
	slices.Sort(ids)
	return ids
}

var errSweepSessionControl = errors.New("--sql must not change transaction or session state")

func validateSweepStatement(stmt string) error {
	stmt = strings.TrimSuffix(strings.TrimSpace(stmt), ";")
	if stmt == "" {
		return errors.New("missing --sql")
	}
	if strings.Contains(stmt, ";") {
		return errors.New("--sql must be a single statement")
	}
	switch strings.ToUpper(strings.Fields(stmt)[0]) {
	case "BEGIN", "START", "COMMIT", "END", "ROLLBACK", "ABORT", "SAVEPOINT", "RELEASE", "SET", "RESET":
		return errSweepSessionControl
	}
	return nil
}
