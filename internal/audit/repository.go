package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/platform/db"
)

// PostgresRepository writes to security_events through the pool rather than
// the offending scope's pinned connection, which may be mid transaction.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs the repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) InsertSecurityEvent(ctx context.Context, evt dal.SecurityEvent) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO security_events (scope_id, tenant_id, owner_tenant, kind, entity_id, operation, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		evt.ScopeID, evt.TenantID, evt.OwnerTenant, string(evt.Kind), evt.EntityID, evt.Operation, evt.At)
	return db.MapError(err)
}

func (r *PostgresRepository) SecurityTimeline(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT created_at, scope_id, tenant_id, COALESCE(owner_tenant::text, ''), kind, entity_id, operation
FROM security_events
WHERE tenant_id = $1
  AND ($2::timestamptz IS NULL OR created_at >= $2)
  AND ($3::timestamptz IS NULL OR created_at < $3)
  AND ($4 = '' OR kind = $4)
ORDER BY created_at DESC, id DESC
OFFSET $5 LIMIT $6`,
		arg.TenantID, optionalTime(arg.From), optionalTime(arg.To), arg.Kind, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, db.MapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var t TimelineRow
		err := row.Scan(&t.At, &t.ScopeID, &t.TenantID, &t.OwnerTenant, &t.Kind, &t.EntityID, &t.Operation)
		return t, err
	})
	return out, db.MapError(err)
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// MemoryRepository keeps security events in process.
type MemoryRepository struct {
	mu   sync.Mutex
	rows []TimelineRow
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository { return &MemoryRepository{} }

func (r *MemoryRepository) InsertSecurityEvent(_ context.Context, evt dal.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, TimelineRow{
		At:          evt.At,
		ScopeID:     evt.ScopeID,
		TenantID:    evt.TenantID,
		OwnerTenant: evt.OwnerTenant,
		Kind:        string(evt.Kind),
		EntityID:    evt.EntityID,
		Operation:   evt.Operation,
	})
	return nil
}

func (r *MemoryRepository) SecurityTimeline(_ context.Context, arg WindowParams) ([]TimelineRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []TimelineRow
	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		switch {
		case row.TenantID != arg.TenantID:
		case !arg.From.IsZero() && row.At.Before(arg.From):
		case !arg.To.IsZero() && !row.At.Before(arg.To):
		case arg.Kind != "" && row.Kind != arg.Kind:
		default:
			matched = append(matched, row)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].At.After(matched[j].At) })
	if arg.OffsetRows >= len(matched) {
		return nil, nil
	}
	matched = matched[arg.OffsetRows:]
	if arg.LimitRows > 0 && len(matched) > arg.LimitRows {
		matched = matched[:arg.LimitRows]
	}
	return matched, nil
}
