package dal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// MemoryStore keeps rows in process. It backs tests and the in-memory runtime.
type MemoryStore[T any] struct {
	table *Table[T]

	mu   sync.RWMutex
	rows map[string]T
}

// NewMemoryStore builds an empty MemoryStore for table.
func NewMemoryStore[T any](table *Table[T]) *MemoryStore[T] {
	return &MemoryStore[T]{table: table, rows: make(map[string]T)}
}

// Get implements Store.
func (s *MemoryStore[T]) Get(_ context.Context, scope *tenancy.Scope, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(scope, id)
}

func (s *MemoryStore[T]) lookup(scope *tenancy.Scope, id string) (T, error) {
	var zero T
	row, ok := s.rows[id]
	if !ok || s.table.Tenant(&row) != scope.TenantID() {
		return zero, shared.ErrNotFound
	}
	return s.table.clone(row), nil
}

// List implements Store.
func (s *MemoryStore[T]) List(_ context.Context, scope *tenancy.Scope, plan *Plan[T]) ([]T, int, error) {
	s.mu.RLock()
	var matched []T
	for _, row := range s.rows {
		if s.table.Tenant(&row) != scope.TenantID() {
			continue
		}
		if !matches(plan, &row) {
			continue
		}
		matched = append(matched, s.table.clone(row))
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		c := compare(plan.sort.Type, plan.sort.Get(&matched[i]), plan.sort.Get(&matched[j]))
		if c == 0 {
			return s.table.ID(&matched[i]) < s.table.ID(&matched[j])
		}
		if plan.desc {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	if plan.offset >= total {
		return []T{}, total, nil
	}
	end := plan.offset + plan.limit
	if end > total {
		end = total
	}
	return matched[plan.offset:end], total, nil
}

func matches[T any](plan *Plan[T], row *T) bool {
	for _, p := range plan.preds {
		if !p.match(row) {
			return false
		}
	}
	return true
}

// Owner implements Store.
func (s *MemoryStore[T]) Owner(_ context.Context, _ *tenancy.Scope, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return "", shared.ErrNotFound
	}
	return s.table.Tenant(&row), nil
}

// Insert implements Store.
func (s *MemoryStore[T]) Insert(_ context.Context, scope *tenancy.Scope, row *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.table.ID(row)
	if _, exists := s.rows[id]; exists {
		return fmt.Errorf("%w: duplicate id %s", shared.ErrConstraintViolation, id)
	}
	if err := s.checkUnique(scope.TenantID(), row); err != nil {
		return err
	}
	s.rows[id] = s.table.clone(*row)
	return nil
}

// Update implements Store.
func (s *MemoryStore[T]) Update(_ context.Context, scope *tenancy.Scope, row *T, cond ...Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.table.ID(row)
	prev, err := s.lookup(scope, id)
	if err != nil {
		return err
	}
	for _, c := range cond {
		if render(s.table.Fields[c.Field].Get(&prev)) != render(c.Value) {
			return fmt.Errorf("%w: %s %s changed", shared.ErrConcurrencyConflict, s.table.Kind, c.Field)
		}
	}
	if err := s.checkUnique(scope.TenantID(), row); err != nil {
		return err
	}
	next := s.table.clone(*row)
	if s.table.Preserve != nil {
		s.table.Preserve(&next, prev)
	}
	s.rows[id] = next
	return nil
}

// Delete implements Store.
func (s *MemoryStore[T]) Delete(_ context.Context, scope *tenancy.Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(scope, id); err != nil {
		return err
	}
	delete(s.rows, id)
	return nil
}

// Modify applies fn to a stored row under the store lock. It bypasses the
// immutable column rules and is meant for engines owning those columns.
func (s *MemoryStore[T]) Modify(_ context.Context, scope *tenancy.Scope, id string, fn func(*T) error) (T, error) {
	var zero T
	if err := scope.CheckWritable(); err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.lookup(scope, id)
	if err != nil {
		return zero, err
	}
	if err := fn(&row); err != nil {
		return zero, err
	}
	s.table.SetTenant(&row, scope.TenantID())
	s.table.SetID(&row, id)
	s.rows[id] = s.table.clone(row)
	return row, nil
}

func (s *MemoryStore[T]) checkUnique(tenantID string, row *T) error {
	id := s.table.ID(row)
	for _, set := range s.table.Unique {
		want := uniqueKey(s.table, set, row)
		for otherID, other := range s.rows {
			if otherID == id || s.table.Tenant(&other) != tenantID {
				continue
			}
			if uniqueKey(s.table, set, &other) == want {
				return fmt.Errorf("%w: duplicate %s on %s", shared.ErrConstraintViolation, strings.Join(set, ","), s.table.Kind)
			}
		}
	}
	return nil
}

func uniqueKey[T any](t *Table[T], set []string, row *T) string {
	parts := make([]string, len(set))
	for i, name := range set {
		parts[i] = render(t.Fields[name].Get(row))
	}
	return strings.Join(parts, "\x1f")
}

// MemoryBinder hands out in-process sessions. Active counts unreleased ones.
type MemoryBinder struct {
	active atomic.Int64
}

// Bind implements tenancy.Binder.
func (b *MemoryBinder) Bind(_ context.Context, tenantID string) (tenancy.Session, error) {
	b.active.Add(1)
	s := &memSession{binder: b}
	s.marker.Store(tenantID)
	return s, nil
}

// Active returns the number of bound sessions.
func (b *MemoryBinder) Active() int64 { return b.active.Load() }

type memSession struct {
	binder   *MemoryBinder
	marker   atomic.Value
	released atomic.Bool
}

func (s *memSession) Marker() string {
	v, _ := s.marker.Load().(string)
	return v
}

func (s *memSession) Release(context.Context) error {
	if s.released.CompareAndSwap(false, true) {
		s.marker.Store("")
		s.binder.active.Add(-1)
	}
	return nil
}
