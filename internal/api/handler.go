// Package api exposes the shop over JSON HTTP. Identity is resolved upstream;
// the tenant arrives in the X-Tenant-ID header.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tillpoint/tillpoint/internal/audit"
	"github.com/tillpoint/tillpoint/internal/observability"
	"github.com/tillpoint/tillpoint/internal/shop"
)

// RateLimit bounds requests per tenant.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Options tunes Handler.
type Options struct {
	RateLimit RateLimit
	// AdminToken is the bearer token required below /admin. When empty the
	// admin routes are not mounted.
	AdminToken string
}

// Handler serves the tenant API.
type Handler struct {
	logger     *slog.Logger
	shop       *shop.Service
	audit      *audit.Service
	metrics    *observability.Metrics
	limit      RateLimit
	adminToken string
}

// NewHandler builds Handler. audit and metrics may be nil.
func NewHandler(logger *slog.Logger, service *shop.Service, auditService *audit.Service, metrics *observability.Metrics, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		shop:       service,
		audit:      auditService,
		metrics:    metrics,
		limit:      opts.RateLimit,
		adminToken: opts.AdminToken,
	}
}

// MountRoutes registers the tenant API below /v1 and, when an admin token is
// configured, tenant administration below /admin.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		if h.limit.Requests > 0 {
			r.Use(httprate.Limit(h.limit.Requests, h.limit.Window, httprate.WithKeyFuncs(tenantKey)))
		}
		r.Use(h.TenantScope)

		r.Get("/products", h.listProducts)
		r.Post("/products", h.createProduct)
		r.Get("/products/{id}", h.getProduct)
		r.Put("/products/{id}", h.updateProduct)
		r.Delete("/products/{id}", h.deleteProduct)
		r.Get("/products/{id}/stock", h.stockLevel)
		r.Post("/products/{id}/stock", h.adjustStock)
		r.Get("/products/{id}/stock/history", h.stockHistory)

		r.Get("/categories", h.listCategories)
		r.Post("/categories", h.createCategory)
		r.Get("/categories/{id}", h.getCategory)
		r.Put("/categories/{id}", h.updateCategory)
		r.Delete("/categories/{id}", h.deleteCategory)

		r.Get("/orders", h.listOrders)
		r.Post("/orders", h.placeOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/status", h.updateOrderStatus)

		r.Get("/tenant", h.getTenant)
		r.Put("/tenant/settings", h.updateSettings)
		r.Get("/security-events", h.securityEvents)
	})
	if h.adminToken == "" {
		return
	}
	r.Route("/admin", func(r chi.Router) {
		if h.limit.Requests > 0 {
			r.Use(httprate.LimitByIP(h.limit.Requests, h.limit.Window))
		}
		r.Use(h.AdminOnly)
		r.Put("/tenants/{id}/status", h.setTenantStatus)
	})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := respondError(w, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}
