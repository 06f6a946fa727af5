package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/platform/db"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// MemoryDirectory keeps tenants in process.
type MemoryDirectory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{tenants: make(map[string]Tenant)}
}

func (d *MemoryDirectory) Lookup(ctx context.Context, id string) (Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	if !ok {
		return Tenant{}, shared.ErrNotFound
	}
	return t.Clone(), nil
}

func (d *MemoryDirectory) Create(ctx context.Context, tenant Tenant) error {
	if err := ValidateID(tenant.ID); err != nil {
		return err
	}
	if tenant.Status == "" {
		tenant.Status = StatusActive
	}
	now := time.Now().UTC()
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tenants[tenant.ID]; ok {
		return fmt.Errorf("%w: tenant %s exists", shared.ErrConstraintViolation, tenant.ID)
	}
	d.tenants[tenant.ID] = tenant.Clone()
	return nil
}

func (d *MemoryDirectory) SetStatus(ctx context.Context, id string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return shared.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	d.tenants[id] = t
	return nil
}

func (d *MemoryDirectory) SaveSettings(ctx context.Context, id string, settings map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return shared.ErrNotFound
	}
	t.Settings = maps.Clone(settings)
	t.UpdatedAt = time.Now().UTC()
	d.tenants[id] = t
	return nil
}

// PostgresDirectory reads the tenants table. The table is not tenant scoped.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (Tenant, error) {
	const query = `SELECT id, name, status, settings, created_at, updated_at FROM tenants WHERE id = $1`
	var (
		t   Tenant
		raw []byte
	)
	err := d.pool.QueryRow(ctx, query, id).Scan(&t.ID, &t.Name, &t.Status, &raw, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, shared.ErrNotFound
		}
		return Tenant{}, fmt.Errorf("tenancy: lookup: %w", db.MapError(err))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &t.Settings); err != nil {
			return Tenant{}, fmt.Errorf("tenancy: decode settings: %w", err)
		}
	}
	return t.Clone(), nil
}

func (d *PostgresDirectory) Create(ctx context.Context, tenant Tenant) error {
	if err := ValidateID(tenant.ID); err != nil {
		return err
	}
	if tenant.Status == "" {
		tenant.Status = StatusActive
	}
	raw, err := json.Marshal(tenant.Clone().Settings)
	if err != nil {
		return err
	}
	const query = `INSERT INTO tenants (id, name, status, settings, created_at, updated_at) VALUES ($1, $2, $3, $4, NOW(), NOW())`
	if _, err := d.pool.Exec(ctx, query, tenant.ID, tenant.Name, tenant.Status, raw); err != nil {
		return fmt.Errorf("tenancy: create: %w", db.MapError(err))
	}
	return nil
}

func (d *PostgresDirectory) SetStatus(ctx context.Context, id string, status Status) error {
	tag, err := d.pool.Exec(ctx, `UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("tenancy: set status: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (d *PostgresDirectory) SaveSettings(ctx context.Context, id string, settings map[string]string) error {
	if settings == nil {
		settings = map[string]string{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	tag, err := d.pool.Exec(ctx, `UPDATE tenants SET settings = $2, updated_at = NOW() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("tenancy: save settings: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
