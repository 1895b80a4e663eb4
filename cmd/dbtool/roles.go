package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jacksonlee411/tenantguard/internal/rls"
)

func ensureRolesCmd(args []string) {
	fs := flag.NewFlagSet("ensure-roles", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, tenantRole, adminRole, loginRole string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&tenantRole, "tenant-role", rls.DefaultTenantRole, "role assumed for tenant scope")
	fs.StringVar(&adminRole, "admin-role", rls.DefaultAdminRole, "role assumed for admin scope")
	fs.StringVar(&loginRole, "login-role", "", "role granted membership (default: the connecting role)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	if err := ensureRoles(ctx, conn, tenantRole, adminRole, loginRole); err != nil {
		fatal(err)
	}
	fmt.Println("[ensure-roles] OK")
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ensureRoles creates the tenant role without BYPASSRLS and the admin role
// with it, and makes loginRole a member of both.
func ensureRoles(ctx context.Context, conn execer, tenantRole string, adminRole string, loginRole string) error {
	stmts := make([]string, 0, 4)
	for _, r := range []struct {
		name   string
		bypass bool
	}{{tenantRole, false}, {adminRole, true}} {
		ddl, err := roleDDL(r.name, r.bypass)
		if err != nil {
			return err
		}
		grant, err := grantDDL(r.name, loginRole)
		if err != nil {
			return err
		}
		stmts = append(stmts, ddl, grant)
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func roleDDL(role string, bypassRLS bool) (string, error) {
	if !rls.ValidRoleName(role) {
		return "", fmt.Errorf("invalid role: %s", role)
	}
	attr := "NOBYPASSRLS"
	if bypassRLS {
		attr = "BYPASSRLS"
	}
	return fmt.Sprintf(`DO $$
BEGIN
  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
    EXECUTE 'CREATE ROLE %s NOLOGIN %s';
  ELSE
    EXECUTE 'ALTER ROLE %s %s';
  END IF;
END
$$;`, role, role, attr, role, attr), nil
}

func grantDDL(role string, member string) (string, error) {
	if !rls.ValidRoleName(role) {
		return "", fmt.Errorf("invalid role: %s", role)
	}
	if member == "" {
		return `GRANT ` + role + ` TO CURRENT_USER;`, nil
	}
	if !rls.ValidRoleName(member) {
		return "", fmt.Errorf("invalid login role: %s", member)
	}
	return `GRANT ` + role + ` TO ` + member + `;`, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
