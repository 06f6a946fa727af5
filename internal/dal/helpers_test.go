package dal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/tenancy"
)

type widget struct {
	ID        string
	TenantID  string
	SKU       string
	Name      string
	Qty       int64
	Price     decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

func widgetTable() *Table[widget] {
	return &Table[widget]{
		Kind:      Kind("widget"),
		Name:      "widgets",
		Columns:   []string{"id", "sku", "name", "qty", "price", "created_at", "updated_at"},
		Immutable: []string{"qty", "created_at"},
		Unique:    [][]string{{"sku"}},
		Fields: map[string]Field[widget]{
			"sku":   {Column: "sku", Type: FieldString, Get: func(w *widget) any { return w.SKU }},
			"name":  {Column: "name", Type: FieldString, Get: func(w *widget) any { return w.Name }},
			"qty":   {Column: "qty", Type: FieldInt, Get: func(w *widget) any { return w.Qty }},
			"price": {Column: "price", Type: FieldDecimal, Get: func(w *widget) any { return w.Price }},
		},
		DefaultSort: "sku",
		ID:          func(w *widget) string { return w.ID },
		SetID:       func(w *widget, id string) { w.ID = id },
		Tenant:      func(w *widget) string { return w.TenantID },
		SetTenant:   func(w *widget, id string) { w.TenantID = id },
		Values: func(w *widget) []any {
			return []any{w.ID, w.SKU, w.Name, w.Qty, w.Price, w.CreatedAt, w.UpdatedAt}
		},
		Scan: func(scan Scanner) (widget, error) {
			var w widget
			err := scan(&w.TenantID, &w.ID, &w.SKU, &w.Name, &w.Qty, &w.Price, &w.CreatedAt, &w.UpdatedAt)
			return w, err
		},
		Touch: func(w *widget, now time.Time, created bool) {
			if created {
				w.CreatedAt = now
			}
			w.UpdatedAt = now
		},
		Preserve: func(next *widget, prev widget) {
			next.Qty = prev.Qty
			next.CreatedAt = prev.CreatedAt
		},
		Validate: func(w *widget) error {
			if w.SKU == "" {
				return errors.New("sku required")
			}
			return nil
		},
	}
}

type fixture struct {
	manager *tenancy.Manager
	dir     *tenancy.MemoryDirectory
	binder  *MemoryBinder
}

func newFixture() *fixture {
	dir := tenancy.NewMemoryDirectory()
	binder := &MemoryBinder{}
	return &fixture{
		manager: tenancy.NewManager(dir, binder, tenancy.Config{SuspendedReadOnly: true}, nil),
		dir:     dir,
		binder:  binder,
	}
}

func (f *fixture) tenant(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, f.dir.Create(context.Background(), tenancy.Tenant{ID: id, Name: "shop-" + id[:4]}))
	return id
}

func (f *fixture) scope(t *testing.T, tenantID string) *tenancy.Scope {
	t.Helper()
	scope, err := f.manager.BeginScope(context.Background(), tenantID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.manager.EndScope(context.Background(), scope) })
	return scope
}

type recordedViolations struct {
	events []SecurityEvent
}

func (r *recordedViolations) RecordViolation(_ context.Context, evt SecurityEvent) error {
	r.events = append(r.events, evt)
	return nil
}

