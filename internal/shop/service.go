// Package shop is the facade the API layer talks to. It composes tenant
// scopes, the DAL, the cache layer, the stock engine and the notifier.
package shop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tillpoint/tillpoint/internal/cache"
	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/orders"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Notifier is the subset of events.Notifier the service publishes through.
type Notifier interface {
	events.Publisher
	PublishTenant(ctx context.Context, tenantID string, typ events.Type, payload any) (events.Event, error)
}

// Deps groups the collaborators of Service.
type Deps struct {
	Tenants    *tenancy.Manager
	Products   *dal.Repository[catalog.Product]
	Categories *dal.Repository[catalog.Category]
	Orders     *dal.Repository[orders.Order]
	Stock      *inventory.Engine
	Cache      *cache.Layer
	Events     Notifier
	Logger     *slog.Logger
	// DefaultCurrency applies when neither the order nor the tenant names one.
	DefaultCurrency string
}

// Service implements the shop use cases.
type Service struct {
	tenants    *tenancy.Manager
	products   *dal.Repository[catalog.Product]
	categories *dal.Repository[catalog.Category]
	orders     *dal.Repository[orders.Order]
	stock      *inventory.Engine
	cache      *cache.Layer
	events     Notifier
	logger     *slog.Logger
	currency   string
}

// NewService constructs Service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	currency := d.DefaultCurrency
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		tenants:    d.Tenants,
		products:   d.Products,
		categories: d.Categories,
		orders:     d.Orders,
		stock:      d.Stock,
		cache:      d.Cache,
		events:     d.Events,
		logger:     logger,
		currency:   currency,
	}
}

// BeginScope opens a tenant scope.
func (s *Service) BeginScope(ctx context.Context, tenantID string) (*tenancy.Scope, error) {
	return s.tenants.BeginScope(ctx, tenantID)
}

// EndScope releases a scope. It is safe to call more than once.
func (s *Service) EndScope(ctx context.Context, scope *tenancy.Scope) error {
	return s.tenants.EndScope(ctx, scope)
}

// WithScope runs fn inside a scope of tenantID.
func (s *Service) WithScope(ctx context.Context, tenantID string, fn func(context.Context, *tenancy.Scope) error) error {
	return s.tenants.WithScope(ctx, tenantID, fn)
}

// publish emits a change event. Errors come from required handlers, i.e. the
// cache could not be invalidated, and must reach the writer.
func (s *Service) publish(ctx context.Context, scope *tenancy.Scope, typ events.Type, entityID string, payload any) error {
	if s.events == nil {
		return nil
	}
	if _, err := s.events.Publish(ctx, scope, typ, entityID, payload); err != nil {
		return fmt.Errorf("shop: publish %s: %w", typ, err)
	}
	return nil
}
