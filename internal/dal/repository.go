package dal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Repository is the isolation enforcement point in front of a Store.
type Repository[T any] struct {
	table    *Table[T]
	store    Store[T]
	security SecurityRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewRepository builds Repository. security may be nil; violations are still logged.
func NewRepository[T any](table *Table[T], store Store[T], security SecurityRecorder, logger *slog.Logger) *Repository[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository[T]{
		table:    table,
		store:    store,
		security: security,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidID reports whether id can name a stored row. Row ids are UUIDs minted on insert.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Table exposes the table descriptor.
func (r *Repository[T]) Table() *Table[T] { return r.table }

// Get loads one row of the scope tenant.
func (r *Repository[T]) Get(ctx context.Context, scope *tenancy.Scope, id string) (T, error) {
	var zero T
	if err := scope.Verify(); err != nil {
		return zero, err
	}
	if !ValidID(id) {
		return zero, fmt.Errorf("dal: %s: %w", r.table.Kind, shared.ErrNotFound)
	}
	row, err := r.store.Get(ctx, scope, id)
	if err != nil {
		return zero, fmt.Errorf("dal: get %s: %w", r.table.Kind, err)
	}
	return row, nil
}

// List returns one page of the scope tenant's rows.
func (r *Repository[T]) List(ctx context.Context, scope *tenancy.Scope, q Query) (Page[T], error) {
	if err := scope.Verify(); err != nil {
		return Page[T]{}, err
	}
	plan, err := Bind(r.table, q)
	if err != nil {
		return Page[T]{}, err
	}
	items, total, err := r.store.List(ctx, scope, plan)
	if err != nil {
		return Page[T]{}, fmt.Errorf("dal: list %s: %w", r.table.Kind, err)
	}
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:       items,
		Total:       total,
		Limit:       plan.limit,
		Offset:      plan.offset,
		Pagination:  shared.NewPagination(plan.offset/plan.limit+1, plan.limit, total),
		Fingerprint: plan.fingerprint,
	}, nil
}

// Write inserts or updates row after checking the scope tenant owns it. The
// stored row is returned.
func (r *Repository[T]) Write(ctx context.Context, scope *tenancy.Scope, row *T) (T, error) {
	return r.write(ctx, scope, row, false, nil)
}

// Update is Write for rows that must already exist; a missing id is ErrNotFound.
// Conditions turn it into a compare-and-set: when a stored field moved on,
// nothing is written and shared.ErrConcurrencyConflict is returned.
func (r *Repository[T]) Update(ctx context.Context, scope *tenancy.Scope, row *T, cond ...Condition) (T, error) {
	return r.write(ctx, scope, row, true, cond)
}

func (r *Repository[T]) write(ctx context.Context, scope *tenancy.Scope, row *T, mustExist bool, cond []Condition) (T, error) {
	var zero T
	for _, c := range cond {
		if _, ok := r.table.Fields[c.Field]; !ok {
			return zero, fmt.Errorf("dal: %w: unknown condition field %q on %s", shared.ErrValidation, c.Field, r.table.Kind)
		}
	}
	if err := scope.CheckWritable(); err != nil {
		return zero, err
	}
	if row == nil {
		return zero, fmt.Errorf("dal: %w: nil %s", shared.ErrValidation, r.table.Kind)
	}
	tenantID := scope.TenantID()
	if owner := r.table.Tenant(row); owner != "" && owner != tenantID {
		return zero, r.violation(ctx, scope, owner, r.table.ID(row), "write")
	}
	r.table.SetTenant(row, tenantID)

	create := false
	id := r.table.ID(row)
	if id == "" && mustExist {
		return zero, fmt.Errorf("dal: update %s: %w", r.table.Kind, shared.ErrNotFound)
	}
	if id != "" && !ValidID(id) {
		if mustExist {
			return zero, fmt.Errorf("dal: update %s: %w", r.table.Kind, shared.ErrNotFound)
		}
		return zero, fmt.Errorf("dal: %w: malformed %s id", shared.ErrValidation, r.table.Kind)
	}
	if id == "" {
		r.table.SetID(row, uuid.NewString())
		create = true
	} else {
		owner, err := r.store.Owner(ctx, scope, id)
		switch {
		case errors.Is(err, shared.ErrNotFound) && mustExist:
			return zero, fmt.Errorf("dal: update %s: %w", r.table.Kind, err)
		case errors.Is(err, shared.ErrNotFound):
			create = true
		case err != nil:
			return zero, fmt.Errorf("dal: ownership %s: %w", r.table.Kind, err)
		case owner != tenantID:
			return zero, r.violation(ctx, scope, owner, id, "write")
		}
	}
	if !create && r.table.AppendOnly {
		return zero, fmt.Errorf("dal: %w: %s is append-only", shared.ErrConstraintViolation, r.table.Kind)
	}

	if r.table.Touch != nil {
		r.table.Touch(row, r.now(), create)
	}
	if r.table.Validate != nil {
		if err := r.table.Validate(row); err != nil {
			return zero, err
		}
	}

	var err error
	if create {
		err = r.store.Insert(ctx, scope, row)
	} else {
		err = r.store.Update(ctx, scope, row, cond...)
	}
	if err != nil {
		return zero, fmt.Errorf("dal: write %s: %w", r.table.Kind, err)
	}
	return r.Get(ctx, scope, r.table.ID(row))
}

// Delete removes a row of the scope tenant.
func (r *Repository[T]) Delete(ctx context.Context, scope *tenancy.Scope, id string) error {
	if err := scope.CheckWritable(); err != nil {
		return err
	}
	if r.table.AppendOnly {
		return fmt.Errorf("dal: %w: %s is append-only", shared.ErrConstraintViolation, r.table.Kind)
	}
	if !ValidID(id) {
		return fmt.Errorf("dal: delete %s: %w", r.table.Kind, shared.ErrNotFound)
	}
	owner, err := r.store.Owner(ctx, scope, id)
	if err != nil {
		return fmt.Errorf("dal: delete %s: %w", r.table.Kind, err)
	}
	if owner != scope.TenantID() {
		return r.violation(ctx, scope, owner, id, "delete")
	}
	if err := r.store.Delete(ctx, scope, id); err != nil {
		return fmt.Errorf("dal: delete %s: %w", r.table.Kind, err)
	}
	return nil
}

func (r *Repository[T]) violation(ctx context.Context, scope *tenancy.Scope, owner, id, op string) error {
	evt := SecurityEvent{
		ScopeID:     scope.ID(),
		TenantID:    scope.TenantID(),
		OwnerTenant: owner,
		Kind:        r.table.Kind,
		EntityID:    id,
		Operation:   op,
		At:          r.now(),
	}
	r.logger.Error("security: cross-tenant access blocked",
		slog.String("scope", evt.ScopeID),
		slog.String("tenant", evt.TenantID),
		slog.String("owner", evt.OwnerTenant),
		slog.String("kind", string(evt.Kind)),
		slog.String("entity_id", evt.EntityID),
		slog.String("op", op),
	)
	if r.security != nil {
		if err := r.security.RecordViolation(context.WithoutCancel(ctx), evt); err != nil {
			r.logger.Warn("record security event", slog.Any("error", err))
		}
	}
	return fmt.Errorf("dal: %s %s %s: %w", op, r.table.Kind, id, shared.ErrCrossTenantViolation)
}
