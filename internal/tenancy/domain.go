package tenancy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Status enumerates tenant lifecycle states.
type Status string

const (
	// StatusActive tenants have full access.
	StatusActive Status = "active"
	// StatusSuspended tenants are blocked, or read-only when configured.
	StatusSuspended Status = "suspended"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status is known.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// Tenant is the isolation boundary for every business row.
type Tenant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Settings  map[string]string `json:"settings"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a copy that does not share the settings map.
func (t Tenant) Clone() Tenant {
	t.Settings = maps.Clone(t.Settings)
	if t.Settings == nil {
		t.Settings = map[string]string{}
	}
	return t
}

// Directory resolves and persists tenants. Provisioning lives outside this module;
// Create exists for seeding and tests.
type Directory interface {
	Lookup(ctx context.Context, id string) (Tenant, error)
	Create(ctx context.Context, tenant Tenant) error
	SetStatus(ctx context.Context, id string, status Status) error
	SaveSettings(ctx context.Context, id string, settings map[string]string) error
}

// ErrInvalidTransition is returned for lifecycle moves out of a terminal state.
var ErrInvalidTransition = errors.New("tenancy: invalid status transition")

// ValidateID checks a tenant id is a well formed UUID.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty tenant id", shared.ErrInvalidTenant)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: malformed tenant id", shared.ErrInvalidTenant)
	}
	return nil
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == StatusCancelled && to != StatusCancelled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
