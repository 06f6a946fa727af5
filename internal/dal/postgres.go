package dal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/platform/db"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

const setMarkerSQL = "SELECT set_config('app.tenant_id', $1, false)"

// Querier is the subset of pgx used by the postgres backends. *pgxpool.Conn and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresBinder pins one pooled connection per scope and stores the tenant
// marker in the app.tenant_id session variable read by the RLS policies.
type PostgresBinder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresBinder builds PostgresBinder.
func NewPostgresBinder(pool *pgxpool.Pool, logger *slog.Logger) *PostgresBinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBinder{pool: pool, logger: logger}
}

// Bind implements tenancy.Binder.
func (b *PostgresBinder) Bind(ctx context.Context, tenantID string) (tenancy.Session, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("dal: acquire conn: %w", db.MapError(err))
	}
	if _, err := conn.Exec(ctx, setMarkerSQL, tenantID); err != nil {
		closeHijacked(ctx, conn)
		return nil, fmt.Errorf("dal: set tenant marker: %w", db.MapError(err))
	}
	return &pgSession{conn: conn, marker: tenantID, logger: b.logger}, nil
}

type pgSession struct {
	conn   *pgxpool.Conn
	marker string
	logger *slog.Logger
}

func (s *pgSession) Marker() string { return s.marker }

// Release resets the marker before handing the connection back. A connection
// whose marker cannot be reset is closed instead of returned to the pool.
func (s *pgSession) Release(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.marker = ""
	if _, err := conn.Exec(ctx, setMarkerSQL, ""); err != nil {
		s.logger.Warn("reset tenant marker failed, closing connection", slog.Any("error", err))
		closeHijacked(ctx, conn)
		return fmt.Errorf("dal: reset tenant marker: %w", db.MapError(err))
	}
	conn.Release()
	return nil
}

func closeHijacked(ctx context.Context, conn *pgxpool.Conn) {
	raw := conn.Hijack()
	_ = raw.Close(ctx)
}

// PinnedConn returns the connection bound to scope.
func PinnedConn(scope *tenancy.Scope) (*pgxpool.Conn, error) {
	if err := scope.Verify(); err != nil {
		return nil, err
	}
	s, ok := scope.Session().(*pgSession)
	if !ok || s.conn == nil {
		return nil, fmt.Errorf("%w: scope is not bound to postgres", shared.ErrInvalidTenant)
	}
	return s.conn, nil
}

// PostgresStore runs table statements on the scope's pinned connection.
type PostgresStore[T any] struct {
	table *Table[T]
}

// NewPostgresStore builds PostgresStore.
func NewPostgresStore[T any](table *Table[T]) *PostgresStore[T] {
	return &PostgresStore[T]{table: table}
}

// Get implements Store.
func (s *PostgresStore[T]) Get(ctx context.Context, scope *tenancy.Scope, id string) (T, error) {
	var zero T
	conn, err := PinnedConn(scope)
	if err != nil {
		return zero, err
	}
	return GetWith(ctx, conn, scope, s.table, id, false)
}

// GetWith loads one row on q. forUpdate appends FOR UPDATE for callers running a transaction.
func GetWith[T any](ctx context.Context, q Querier, scope *tenancy.Scope, t *Table[T], id string, forUpdate bool) (T, error) {
	var zero T
	stmt, err := selectByID(scope, t, id)
	if err != nil {
		return zero, err
	}
	if forUpdate {
		stmt.SQL += " FOR UPDATE"
	}
	row, err := t.Scan(q.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan)
	if err != nil {
		return zero, db.MapError(err)
	}
	return row, nil
}

// List implements Store.
func (s *PostgresStore[T]) List(ctx context.Context, scope *tenancy.Scope, plan *Plan[T]) ([]T, int, error) {
	conn, err := PinnedConn(scope)
	if err != nil {
		return nil, 0, err
	}
	count, err := countPage(scope, s.table, plan)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := conn.QueryRow(ctx, count.SQL, count.Args...).Scan(&total); err != nil {
		return nil, 0, db.MapError(err)
	}
	page, err := selectPage(scope, s.table, plan)
	if err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, page.SQL, page.Args...)
	if err != nil {
		return nil, 0, db.MapError(err)
	}
	defer rows.Close()
	items := make([]T, 0, plan.limit)
	for rows.Next() {
		item, err := s.table.Scan(rows.Scan)
		if err != nil {
			return nil, 0, db.MapError(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.MapError(err)
	}
	return items, total, nil
}

// Owner implements Store.
func (s *PostgresStore[T]) Owner(ctx context.Context, scope *tenancy.Scope, id string) (string, error) {
	conn, err := PinnedConn(scope)
	if err != nil {
		return "", err
	}
	stmt, err := ownerOf(scope, s.table, id)
	if err != nil {
		return "", err
	}
	var owner *string
	if err := conn.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&owner); err != nil {
		return "", db.MapError(err)
	}
	if owner == nil {
		return "", shared.ErrNotFound
	}
	return *owner, nil
}

// Insert implements Store.
func (s *PostgresStore[T]) Insert(ctx context.Context, scope *tenancy.Scope, row *T) error {
	conn, err := PinnedConn(scope)
	if err != nil {
		return err
	}
	return InsertWith(ctx, conn, scope, s.table, row)
}

// InsertWith inserts row on q.
func InsertWith[T any](ctx context.Context, q Querier, scope *tenancy.Scope, t *Table[T], row *T) error {
	stmt, err := insertRow(scope, t, row)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
		return db.MapError(err)
	}
	return nil
}

// Update implements Store.
func (s *PostgresStore[T]) Update(ctx context.Context, scope *tenancy.Scope, row *T, cond ...Condition) error {
	conn, err := PinnedConn(scope)
	if err != nil {
		return err
	}
	stmt, err := updateRow(scope, s.table, row, cond...)
	if err != nil {
		return err
	}
	tag, err := conn.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		if len(cond) > 0 {
			return fmt.Errorf("%w: %s changed concurrently", shared.ErrConcurrencyConflict, s.table.Kind)
		}
		return shared.ErrNotFound
	}
	return nil
}

// Delete implements Store.
func (s *PostgresStore[T]) Delete(ctx context.Context, scope *tenancy.Scope, id string) error {
	conn, err := PinnedConn(scope)
	if err != nil {
		return err
	}
	stmt, err := deleteRow(scope, s.table, id)
	if err != nil {
		return err
	}
	tag, err := conn.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// WithTx runs fn in a transaction on the scope's pinned connection.
func WithTx(ctx context.Context, scope *tenancy.Scope, fn func(pgx.Tx) error) error {
	conn, err := PinnedConn(scope)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, conn, fn)
}
