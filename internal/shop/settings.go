package shop

import (
	"context"
	"strings"

	"github.com/tillpoint/tillpoint/internal/cache"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// SettingCurrency is the tenant setting holding the default order currency.
const SettingCurrency = "currency"

// Tenant returns the scope tenant with its settings.
func (s *Service) Tenant(ctx context.Context, scope *tenancy.Scope) (tenancy.Tenant, error) {
	return cache.Read(ctx, s.cache, scope, cache.EntityKey(dal.KindTenantSettings, scope.TenantID()), func(ctx context.Context) (tenancy.Tenant, error) {
		return s.tenants.Tenant(ctx, scope)
	})
}

// UpdateSettings replaces the scope tenant's settings.
func (s *Service) UpdateSettings(ctx context.Context, scope *tenancy.Scope, settings map[string]string) (tenancy.Tenant, error) {
	tenant, err := s.tenants.UpdateSettings(ctx, scope, settings)
	if err != nil {
		return tenancy.Tenant{}, err
	}
	if err := s.publish(ctx, scope, events.TenantSettingsUpdated, tenant.ID, tenant.Settings); err != nil {
		return tenancy.Tenant{}, err
	}
	return tenant, nil
}

// SetTenantStatus moves a tenant through its lifecycle. It runs outside any
// scope since suspended tenants cannot open one.
func (s *Service) SetTenantStatus(ctx context.Context, tenantID string, status tenancy.Status) error {
	if err := s.tenants.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	if s.events == nil {
		return nil
	}
	_, err := s.events.PublishTenant(ctx, tenantID, events.TenantStatusChanged, map[string]string{"status": string(status)})
	return err
}

func (s *Service) orderCurrency(ctx context.Context, scope *tenancy.Scope, requested string) (string, error) {
	if requested != "" {
		return strings.ToUpper(requested), nil
	}
	tenant, err := s.Tenant(ctx, scope)
	if err != nil {
		return "", err
	}
	if c := tenant.Settings[SettingCurrency]; c != "" {
		return strings.ToUpper(c), nil
	}
	return s.currency, nil
}
