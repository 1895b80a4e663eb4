package tenancy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/samber/lo"

	applog "github.com/jacksonlee411/tenantguard/internal/platform/log"
	"github.com/jacksonlee411/tenantguard/internal/routing"
	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

var ErrAdminForbidden = errors.New("tenancy: admin scope not allowed for principal")

// AdminAuthorizer is implemented by *authz.Authorizer.
type AdminAuthorizer interface {
	AllowAdminScope(roleSlug string) (allowed bool, enforced bool, err error)
}

type Options struct {
	Resolver Resolver
	// AdminHosts are hostnames served under the admin scope.
	AdminHosts []string
	TrustProxy bool
	// Authorizer gates admin hosts. Nil leaves them ungated.
	Authorizer AdminAuthorizer
	// PrincipalRole returns the caller's role slug; nil means anonymous.
	PrincipalRole func(r *http.Request) string
	Logger        *slog.Logger
}

// Classifier maps a request to the security context it runs under.
type Classifier struct {
	resolver      Resolver
	adminHosts    map[string]struct{}
	trustProxy    bool
	authorizer    AdminAuthorizer
	principalRole func(r *http.Request) string
	logger        *slog.Logger
}

func NewClassifier(opts Options) *Classifier {
	hosts := lo.Compact(lo.Map(opts.AdminHosts, func(h string, _ int) string { return normalizeHostname(h) }))
	return &Classifier{
		resolver: opts.Resolver,
		adminHosts: lo.SliceToMap(hosts, func(h string) (string, struct{}) {
			return h, struct{}{}
		}),
		trustProxy:    opts.TrustProxy,
		authorizer:    opts.Authorizer,
		principalRole: opts.PrincipalRole,
		logger:        applog.OrDefault(opts.Logger),
	}
}

// Classify returns the security context for r. A host that maps to nothing
// yields the none context.
func (c *Classifier) Classify(r *http.Request) (secctx.SecurityContext, error) {
	sc, _, err := c.classify(r)
	return sc, err
}

func (c *Classifier) classify(r *http.Request) (secctx.SecurityContext, Tenant, error) {
	host := EffectiveHost(r, c.trustProxy)

	if _, ok := c.adminHosts[host]; ok {
		if err := c.authorizeAdmin(r); err != nil {
			return secctx.None(), Tenant{}, err
		}
		return secctx.Admin(), Tenant{}, nil
	}

	if c.resolver == nil {
		return secctx.None(), Tenant{}, nil
	}
	t, ok, err := c.resolver.ResolveTenant(r.Context(), host)
	if err != nil {
		return secctx.None(), Tenant{}, err
	}
	if !ok {
		return secctx.None(), Tenant{}, nil
	}
	return secctx.Tenant(t.ID), t, nil
}

func (c *Classifier) authorizeAdmin(r *http.Request) error {
	if c.authorizer == nil {
		return nil
	}
	role := c.PrincipalRole(r)
	allowed, enforced, err := c.authorizer.AllowAdminScope(role)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	if enforced {
		return ErrAdminForbidden
	}
	c.logger.WarnContext(r.Context(), "tenancy: admin scope would be denied (shadow)", slog.String("role", role))
	return nil
}

// PrincipalRole returns the caller's role slug, empty for anonymous callers.
func (c *Classifier) PrincipalRole(r *http.Request) string {
	if c.principalRole == nil {
		return ""
	}
	return strings.TrimSpace(c.principalRole(r))
}

// Middleware attaches the request's security context, and its tenant when
// there is one, before calling next.
func (c *Classifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc, tenant, err := c.classify(r)
		if err != nil {
			if errors.Is(err, ErrAdminForbidden) {
				routing.WriteError(w, r, http.StatusForbidden, "admin_scope_forbidden", "admin scope forbidden")
				return
			}
			c.logger.ErrorContext(r.Context(), "tenancy: classify request failed", slog.String("error", err.Error()))
			routing.WriteError(w, r, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}

		ctx := secctx.With(r.Context(), sc)
		if tenant.ID != "" {
			ctx = withTenant(ctx, tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type tenantCtxKey struct{}

func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenant)
}

// CurrentTenant returns the tenant resolved for the request, if any.
func CurrentTenant(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(Tenant)
	return t, ok
}
