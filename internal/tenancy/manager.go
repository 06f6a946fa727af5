package tenancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Config groups scope policy settings.
type Config struct {
	// SuspendedReadOnly lets suspended tenants open read-only scopes.
	SuspendedReadOnly bool
}

// Evictor drops cached state for a tenant when it leaves the active state.
type Evictor interface {
	FlushTenant(ctx context.Context, tenantID string) error
}

// Manager opens and closes tenant scopes.
type Manager struct {
	dir    Directory
	binder Binder
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	evictors []Evictor
}

// NewManager builds Manager.
func NewManager(dir Directory, binder Binder, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, binder: binder, cfg: cfg, logger: logger}
}

// RegisterEvictor adds a hook run on suspension or cancellation.
func (m *Manager) RegisterEvictor(e Evictor) {
	if e == nil {
		return
	}
	m.mu.Lock()
	m.evictors = append(m.evictors, e)
	m.mu.Unlock()
}

// BeginScope validates the tenant and binds a session carrying its marker.
func (m *Manager) BeginScope(ctx context.Context, tenantID string) (*Scope, error) {
	if err := ValidateID(tenantID); err != nil {
		return nil, err
	}
	tenant, err := m.dir.Lookup(ctx, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown tenant", shared.ErrInvalidTenant)
		}
		return nil, fmt.Errorf("tenancy: lookup tenant: %w", err)
	}

	readOnly := false
	switch tenant.Status {
	case StatusActive:
	case StatusSuspended:
		if !m.cfg.SuspendedReadOnly {
			return nil, fmt.Errorf("%w: tenant suspended", shared.ErrInvalidTenant)
		}
		readOnly = true
	default:
		return nil, fmt.Errorf("%w: tenant %s", shared.ErrInvalidTenant, tenant.Status)
	}

	session, err := m.binder.Bind(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: bind session: %w", err)
	}
	if session.Marker() != tenantID {
		_ = session.Release(ctx)
		return nil, fmt.Errorf("%w: tenant marker mismatch", shared.ErrInvalidTenant)
	}

	return &Scope{
		id:       uuid.NewString(),
		tenantID: tenantID,
		readOnly: readOnly,
		session:  session,
	}, nil
}

// CurrentTenant returns the scope's tenant id.
func (m *Manager) CurrentTenant(scope *Scope) string {
	return scope.TenantID()
}

// EndScope releases the scope's session. Calling it more than once is safe.
func (m *Manager) EndScope(ctx context.Context, scope *Scope) error {
	if scope == nil {
		return nil
	}
	// Release must run even when the unit of work was cancelled.
	if err := scope.end(context.WithoutCancel(ctx)); err != nil {
		m.logger.Warn("release tenant session", slog.String("scope", scope.id), slog.Any("error", err))
		return fmt.Errorf("tenancy: release session: %w", err)
	}
	return nil
}

// WithScope runs fn inside a scope and always ends it.
func (m *Manager) WithScope(ctx context.Context, tenantID string, fn func(context.Context, *Scope) error) (err error) {
	scope, err := m.BeginScope(ctx, tenantID)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := m.EndScope(ctx, scope); endErr != nil && err == nil {
			err = endErr
		}
	}()
	return fn(ContextWithScope(ctx, scope), scope)
}

// Tenant returns the scope's tenant record.
func (m *Manager) Tenant(ctx context.Context, scope *Scope) (Tenant, error) {
	if err := scope.Verify(); err != nil {
		return Tenant{}, err
	}
	tenant, err := m.dir.Lookup(ctx, scope.TenantID())
	if err != nil {
		return Tenant{}, err
	}
	return tenant.Clone(), nil
}

// UpdateSettings replaces the scope tenant's settings bag.
func (m *Manager) UpdateSettings(ctx context.Context, scope *Scope, settings map[string]string) (Tenant, error) {
	if err := scope.CheckWritable(); err != nil {
		return Tenant{}, err
	}
	if err := m.dir.SaveSettings(ctx, scope.TenantID(), settings); err != nil {
		return Tenant{}, err
	}
	return m.Tenant(ctx, scope)
}

// SetStatus moves a tenant through its lifecycle. Tenants are never deleted;
// leaving the active state flushes their cached data.
func (m *Manager) SetStatus(ctx context.Context, tenantID string, status Status) error {
	if err := ValidateID(tenantID); err != nil {
		return err
	}
	current, err := m.dir.Lookup(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := checkTransition(current.Status, status); err != nil {
		return err
	}
	if current.Status == status {
		return nil
	}
	if err := m.dir.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	m.logger.Info("tenant status changed",
		slog.String("tenant", tenantID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(status)),
	)
	if status == StatusActive {
		return nil
	}
	m.mu.RLock()
	evictors := append([]Evictor(nil), m.evictors...)
	m.mu.RUnlock()
	for _, e := range evictors {
		if err := e.FlushTenant(ctx, tenantID); err != nil {
			m.logger.Warn("flush tenant cache", slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}
	return nil
}
