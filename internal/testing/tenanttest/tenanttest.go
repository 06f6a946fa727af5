// Package tenanttest wires in-memory tenancy for tests.
package tenanttest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/tenancy"
	_ "github.com/tillpoint/tillpoint/internal/testing/guard"
)

// Env bundles a manager with its memory directory and binder.
type Env struct {
	Manager   *tenancy.Manager
	Directory *tenancy.MemoryDirectory
	Binder    *dal.MemoryBinder
}

// New builds an Env.
func New(cfg tenancy.Config) *Env {
	dir := tenancy.NewMemoryDirectory()
	binder := &dal.MemoryBinder{}
	return &Env{
		Manager:   tenancy.NewManager(dir, binder, cfg, nil),
		Directory: dir,
		Binder:    binder,
	}
}

// AddTenant registers an active tenant and returns its id.
func (e *Env) AddTenant(t testing.TB, name string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, e.Directory.Create(context.Background(), tenancy.Tenant{ID: id, Name: name, Status: tenancy.StatusActive}))
	return id
}

// Scope opens a scope that is ended when the test finishes.
func (e *Env) Scope(t testing.TB, tenantID string) *tenancy.Scope {
	t.Helper()
	scope, err := e.Manager.BeginScope(context.Background(), tenantID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Manager.EndScope(context.Background(), scope) })
	return scope
}
