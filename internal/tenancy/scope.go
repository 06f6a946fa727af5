package tenancy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Session is the per-scope store binding, e.g. a pinned connection carrying
// the tenant marker as a session variable.
type Session interface {
	// Marker returns the tenant id the session is currently bound to.
	Marker() string
	Release(ctx context.Context) error
}

// Binder creates sessions bound to a tenant.
type Binder interface {
	Bind(ctx context.Context, tenantID string) (Session, error)
}

// Scope binds one unit of work to exactly one tenant. Scopes are only built by
// Manager.BeginScope; the zero value is never valid. A scope belongs to a single
// goroutine.
type Scope struct {
	id       string
	tenantID string
	readOnly bool
	session  Session

	closed  atomic.Bool
	release sync.Once
	relErr  error
}

// ID identifies the unit of work in logs.
func (s *Scope) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// TenantID returns the bound tenant.
func (s *Scope) TenantID() string {
	if s == nil {
		return ""
	}
	return s.tenantID
}

// ReadOnly reports whether writes are refused.
func (s *Scope) ReadOnly() bool {
	return s != nil && s.readOnly
}

// Session exposes the bound store session to backends.
func (s *Scope) Session() Session {
	if s == nil {
		return nil
	}
	return s.session
}

// Closed reports whether EndScope ran.
func (s *Scope) Closed() bool {
	return s == nil || s.closed.Load()
}

// Verify fails unless the scope is open and its session carries the matching marker.
func (s *Scope) Verify() error {
	if s == nil || s.tenantID == "" {
		return fmt.Errorf("%w: no scope", shared.ErrInvalidTenant)
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: scope %s closed", shared.ErrInvalidTenant, s.id)
	}
	if s.session == nil || s.session.Marker() != s.tenantID {
		return fmt.Errorf("%w: tenant marker mismatch", shared.ErrInvalidTenant)
	}
	return nil
}

// CheckWritable is Verify plus the read-only guard.
func (s *Scope) CheckWritable() error {
	if err := s.Verify(); err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("%w: tenant %s", shared.ErrReadOnlyScope, s.tenantID)
	}
	return nil
}

func (s *Scope) end(ctx context.Context) error {
	s.release.Do(func() {
		s.closed.Store(true)
		if s.session != nil {
			s.relErr = s.session.Release(ctx)
		}
	})
	return s.relErr
}

type scopeContextKey struct{}

// ContextWithScope stores the scope in context.
func ContextWithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, scope)
}

// ScopeFromContext extracts the scope from context.
func ScopeFromContext(ctx context.Context) *Scope {
	scope, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return scope
}
