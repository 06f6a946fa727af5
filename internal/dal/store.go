package dal

import (
	"context"
	"time"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Store is a storage backend for one table. Backends only ever see rows of the
// scope tenant; Owner is the single exception and exists for ownership checks.
type Store[T any] interface {
	Get(ctx context.Context, scope *tenancy.Scope, id string) (T, error)
	List(ctx context.Context, scope *tenancy.Scope, plan *Plan[T]) ([]T, int, error)
	// Owner returns the tenant owning id, or shared.ErrNotFound.
	Owner(ctx context.Context, scope *tenancy.Scope, id string) (string, error)
	Insert(ctx context.Context, scope *tenancy.Scope, row *T) error
	// Update changes an existing row. With conditions, a row whose stored
	// fields no longer match is left alone and shared.ErrConcurrencyConflict
	// is returned.
	Update(ctx context.Context, scope *tenancy.Scope, row *T, cond ...Condition) error
	Delete(ctx context.Context, scope *tenancy.Scope, id string) error
}

// Condition requires a stored field, named as in Table.Fields, to still hold
// Value when an update lands.
type Condition struct {
	Field string
	Value any
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items       []T               `json:"items"`
	Total       int               `json:"total"`
	Limit       int               `json:"limit"`
	Offset      int               `json:"offset"`
	Pagination  shared.Pagination `json:"pagination"`
	Fingerprint string            `json:"-"`
}

// SecurityEvent describes a blocked cross-tenant access.
type SecurityEvent struct {
	ScopeID     string
	TenantID    string
	OwnerTenant string
	Kind        Kind
	EntityID    string
	Operation   string
	At          time.Time
}

// SecurityRecorder persists security events.
type SecurityRecorder interface {
	RecordViolation(ctx context.Context, evt SecurityEvent) error
}
