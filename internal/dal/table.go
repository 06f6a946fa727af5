package dal

import (
	"time"
)

// Scanner is satisfied by pgx.Row and pgx.Rows.
type Scanner func(dest ...any) error

// Table describes how rows of T are stored. Column order is shared between
// Values and Scan; tenant_id is handled by the builders and is never part of Columns.
type Table[T any] struct {
	Kind Kind
	Name string
	// Columns lists persisted columns. The first one must be "id".
	Columns []string
	// Immutable columns are written on insert and never updated.
	Immutable []string
	// Unique lists per-tenant unique field sets, keyed by Fields names.
	Unique      [][]string
	Fields      map[string]Field[T]
	DefaultSort string
	// AppendOnly tables refuse updates and deletes.
	AppendOnly bool

	ID        func(*T) string
	SetID     func(*T, string)
	Tenant    func(*T) string
	SetTenant func(*T, string)
	Values    func(*T) []any
	// Scan reads tenant_id followed by Columns.
	Scan func(scan Scanner) (T, error)

	// Touch stamps timestamps; created is true on insert.
	Touch func(row *T, now time.Time, created bool)
	// Preserve copies fields writers may not change from the stored row.
	Preserve func(next *T, prev T)
	// Clone deep-copies a row for the memory backend.
	Clone    func(T) T
	Validate func(*T) error
}

func (t *Table[T]) mutableColumns() ([]string, []int) {
	skip := map[string]bool{"id": true}
	for _, c := range t.Immutable {
		skip[c] = true
	}
	var cols []string
	var idx []int
	for i, c := range t.Columns {
		if skip[c] {
			continue
		}
		cols = append(cols, c)
		idx = append(idx, i)
	}
	return cols, idx
}

func (t *Table[T]) clone(v T) T {
	if t.Clone == nil {
		return v
	}
	return t.Clone(v)
}
