package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jacksonlee411/tenantguard/internal/dbguard"
	"github.com/jacksonlee411/tenantguard/internal/rls"
	"github.com/jacksonlee411/tenantguard/internal/routing"
	"github.com/jacksonlee411/tenantguard/internal/tenancy"
	"github.com/jacksonlee411/tenantguard/pkg/authz"
	"github.com/jacksonlee411/tenantguard/pkg/secctx"
)

const principalRoleHeader = "X-Principal-Role"

// principalRole reads the caller's role from the upstream proxy. Without a
// trusted proxy every caller is anonymous.
func principalRole(trustProxy bool) func(r *http.Request) string {
	return func(r *http.Request) string {
		if !trustProxy {
			return ""
		}
		return strings.TrimSpace(r.Header.Get(principalRoleHeader))
	}
}

type sessionAuthorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

type sessionHandler struct {
	guard      *dbguard.Guard
	authorizer sessionAuthorizer
	role       func(r *http.Request) string
	logger     *slog.Logger
}

type sessionResponse struct {
	Scope       string `json:"scope"`
	TenantID    string `json:"tenant_id,omitempty"`
	TenantName  string `json:"tenant_name,omitempty"`
	CurrentUser string `json:"current_user"`
	Setting     string `json:"setting"`
	GuardMode   string `json:"guard_mode"`
}

func newRouter(guard *dbguard.Guard, classifier *tenancy.Classifier, authorizer *authz.Authorizer, logger *slog.Logger) http.Handler {
	h := &sessionHandler{
		guard:  guard,
		role:   classifier.PrincipalRole,
		logger: logger,
	}
	if authorizer != nil {
		h.authorizer = authorizer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		routing.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(classifier.Middleware)
		r.Get("/api/v1/session", h.session)
	})
	return r
}

func (h *sessionHandler) session(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc := secctx.From(ctx)

	if h.authorizer != nil {
		allowed, enforced, err := h.authorizer.Authorize(
			authz.SubjectFromRoleSlug(h.role(r)),
			authz.DomainFromTenantID(sc.TenantID),
			authz.ObjectSession,
			authz.ActionRead,
		)
		if err != nil {
			h.logger.ErrorContext(ctx, "authz check failed", slog.String("error", err.Error()))
			routing.WriteError(w, r, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if !allowed && enforced {
			routing.WriteError(w, r, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
	}

	resp := sessionResponse{
		Scope:     sc.Scope.String(),
		TenantID:  sc.TenantID,
		GuardMode: string(h.guard.Applier().Mode()),
	}
	if t, ok := tenancy.CurrentTenant(ctx); ok {
		resp.TenantName = t.Name
	}

	err := h.guard.WithConn(ctx, func(ctx context.Context, c *dbguard.Conn) error {
		return c.QueryRow(ctx,
			`SELECT current_user::text, coalesce(current_setting($1, true), '')`,
			h.guard.Applier().Setting(),
		).Scan(&resp.CurrentUser, &resp.Setting)
	})
	if err != nil {
		h.writeDBError(w, r, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, resp)
}

func (h *sessionHandler) writeDBError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "session query failed", slog.String("error", err.Error()))
	switch {
	case errors.Is(err, rls.ErrMissingTenantID):
		routing.WriteError(w, r, http.StatusBadRequest, "tenant_id_missing", "tenant id missing")
	case rls.IsPolicyError(err):
		routing.WriteError(w, r, http.StatusServiceUnavailable, "tenant_context_unavailable", "tenant context could not be applied")
	default:
		routing.WriteError(w, r, http.StatusInternalServerError, "db_error", "db error")
	}
}
