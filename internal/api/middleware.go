package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// TenantHeader carries the tenant resolved by the identity layer.
const TenantHeader = "X-Tenant-ID"

// TenantScope opens a scope for the request tenant and ends it after the
// handler returns, whatever the outcome.
func (h *Handler) TenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			h.metrics.TenantRejected("missing")
			httpx.Problem(w, http.StatusForbidden, "Invalid Tenant", "missing "+TenantHeader)
			return
		}
		ctx := r.Context()
		scope, err := h.shop.BeginScope(ctx, tenantID)
		if err != nil {
			if errors.Is(err, shared.ErrInvalidTenant) {
				h.metrics.TenantRejected("invalid")
			}
			h.respondError(w, r, err)
			return
		}
		defer func() { _ = h.shop.EndScope(ctx, scope) }()
		next.ServeHTTP(w, r.WithContext(tenancy.ContextWithScope(ctx, scope)))
	})
}

// AdminOnly admits requests carrying the admin bearer token.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "admin token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.logger.Warn("admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
			)
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantKey(r *http.Request) (string, error) {
	return "tenant:" + strings.TrimSpace(r.Header.Get(TenantHeader)), nil
}

func scopeOf(r *http.Request) *tenancy.Scope {
	return tenancy.ScopeFromContext(r.Context())
}
