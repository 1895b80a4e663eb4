package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacksonlee411/tenantguard/internal/dbguard"
	"github.com/jacksonlee411/tenantguard/internal/platform/config"
	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/internal/rls"
	"github.com/jacksonlee411/tenantguard/internal/tenancy"
	"github.com/jacksonlee411/tenantguard/pkg/authz"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	flush := applog.Init(cfg.Logging())
	defer flush()
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	applier, err := rls.NewApplier(rls.Options{
		Mode:       cfg.Guard.Mode,
		TenantRole: cfg.Guard.TenantRole,
		AdminRole:  cfg.Guard.AdminRole,
		Setting:    cfg.Guard.Setting,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	guard := dbguard.New(dbguard.FromPGXPool(pool), applier,
		dbguard.WithCleanupTimeout(cfg.Guard.CleanupTimeout),
		dbguard.WithLogger(logger),
	)

	resolver, err := newResolver(cfg, pool)
	if err != nil {
		return err
	}

	var authorizer *authz.Authorizer
	if cfg.Authz.Mode != authz.ModeDisabled && cfg.Authz.ModelPath != "" && cfg.Authz.PolicyPath != "" {
		authorizer, err = authz.NewAuthorizer(cfg.Authz.ModelPath, cfg.Authz.PolicyPath, cfg.Authz.Mode)
		if err != nil {
			return err
		}
	}

	opts := tenancy.Options{
		Resolver:      resolver,
		AdminHosts:    cfg.Tenancy.AdminHosts,
		TrustProxy:    cfg.Tenancy.TrustProxy,
		PrincipalRole: principalRole(cfg.Tenancy.TrustProxy),
		Logger:        logger,
	}
	if authorizer != nil {
		opts.Authorizer = authorizer
	}
	classifier := tenancy.NewClassifier(opts)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(guard, classifier, authorizer, logger),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTP.Addr, "guard_mode", string(applier.Mode()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newResolver(cfg *config.AppConfig, pool *pgxpool.Pool) (tenancy.Resolver, error) {
	var next tenancy.Resolver
	switch cfg.Tenancy.Source {
	case config.TenancySourceDB:
		next = tenancy.NewDBResolver(pool)
	default:
		tenants, err := tenancy.LoadTenantsFile(cfg.Tenancy.TenantsPath)
		if err != nil {
			return nil, err
		}
		next = tenancy.NewStaticResolver(tenants)
	}
	return tenancy.NewCachedResolver(next, cfg.Tenancy.CacheSize, cfg.Tenancy.CacheTTL), nil
}
