package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/platform/db"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// errVersionConflict marks a lost optimistic update. It is retried.
var errVersionConflict = fmt.Errorf("%w: product version changed", shared.ErrConcurrencyConflict)

// TxRepository exposes the operations one adjustment runs atomically.
type TxRepository interface {
	// GetProductForUpdate reads the product and locks its row until commit.
	GetProductForUpdate(ctx context.Context, productID string) (catalog.Product, error)
	NextSeq(ctx context.Context, productID string) (int64, error)
	// SaveQuantity stores qty when the product is still at version.
	SaveQuantity(ctx context.Context, productID string, version, qty int64, at time.Time) error
	AppendTransaction(ctx context.Context, tx Transaction) error
}

// Store runs adjustments atomically. Nothing written inside fn is visible to
// other scopes unless fn returns nil.
type Store interface {
	WithTx(ctx context.Context, scope *tenancy.Scope, fn func(context.Context, TxRepository) error) error
	// Levels reads only the stock columns of the given products of the scope
	// tenant. Unknown ids are omitted.
	Levels(ctx context.Context, scope *tenancy.Scope, productIDs []string) (map[string]Level, error)
}

// PostgresStore runs adjustments in a repeatable-read transaction on the
// scope's pinned connection.
type PostgresStore struct{}

// NewPostgresStore constructs PostgresStore.
func NewPostgresStore() *PostgresStore { return &PostgresStore{} }

// WithTx executes the callback inside a transaction.
func (s *PostgresStore) WithTx(ctx context.Context, scope *tenancy.Scope, fn func(context.Context, TxRepository) error) error {
	if err := scope.CheckWritable(); err != nil {
		return err
	}
	return dal.WithTx(ctx, scope, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepo{tx: tx, scope: scope})
	})
}

const levelsSQL = `SELECT id, sku, stock_quantity, min_stock_level, allow_backorder, version
FROM products WHERE tenant_id = $1 AND id = ANY($2::uuid[])`

// Levels implements Store on the scope's pinned connection.
func (s *PostgresStore) Levels(ctx context.Context, scope *tenancy.Scope, productIDs []string) (map[string]Level, error) {
	conn, err := dal.PinnedConn(scope)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, levelsSQL, scope.TenantID(), productIDs)
	if err != nil {
		return nil, db.MapError(err)
	}
	defer rows.Close()
	out := make(map[string]Level, len(productIDs))
	for rows.Next() {
		var l Level
		if err := rows.Scan(&l.ProductID, &l.SKU, &l.Quantity, &l.MinStockLevel, &l.AllowBackorder, &l.Version); err != nil {
			return nil, db.MapError(err)
		}
		l.Low = l.Quantity < l.MinStockLevel
		out[l.ProductID] = l
	}
	if err := rows.Err(); err != nil {
		return nil, db.MapError(err)
	}
	return out, nil
}

type pgTxRepo struct {
	tx    pgx.Tx
	scope *tenancy.Scope
}

func (r *pgTxRepo) GetProductForUpdate(ctx context.Context, productID string) (catalog.Product, error) {
	return dal.GetWith(ctx, r.tx, r.scope, catalog.Products, productID, true)
}

func (r *pgTxRepo) NextSeq(ctx context.Context, productID string) (int64, error) {
	var last int64
	err := r.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM inventory_transactions WHERE tenant_id = $1 AND product_id = $2`,
		r.scope.TenantID(), productID).Scan(&last)
	if err != nil {
		return 0, db.MapError(err)
	}
	return last + 1, nil
}

func (r *pgTxRepo) SaveQuantity(ctx context.Context, productID string, version, qty int64, at time.Time) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE products SET stock_quantity = $3, version = version + 1, updated_at = $5
		 WHERE tenant_id = $1 AND id = $2 AND version = $4`,
		r.scope.TenantID(), productID, qty, version, at)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return errVersionConflict
	}
	return nil
}

func (r *pgTxRepo) AppendTransaction(ctx context.Context, tx Transaction) error {
	return dal.InsertWith(ctx, r.tx, r.scope, Transactions, &tx)
}

// MemoryStore keeps stock in dal memory stores. Writes are buffered and
// applied together on commit.
type MemoryStore struct {
	products *dal.MemoryStore[catalog.Product]
	txs      *dal.MemoryStore[Transaction]

	mu   sync.Mutex
	seqs map[string]int64
}

// NewMemoryStore builds MemoryStore over the given tables.
func NewMemoryStore(products *dal.MemoryStore[catalog.Product], txs *dal.MemoryStore[Transaction]) *MemoryStore {
	return &MemoryStore{products: products, txs: txs, seqs: make(map[string]int64)}
}

// WithTx implements Store.
func (s *MemoryStore) WithTx(ctx context.Context, scope *tenancy.Scope, fn func(context.Context, TxRepository) error) error {
	if err := scope.CheckWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTxRepo{store: s, scope: scope}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit(ctx)
}

// Levels implements Store.
func (s *MemoryStore) Levels(ctx context.Context, scope *tenancy.Scope, productIDs []string) (map[string]Level, error) {
	out := make(map[string]Level, len(productIDs))
	for _, id := range productIDs {
		p, err := s.products.Get(ctx, scope, id)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = levelOf(p)
	}
	return out, nil
}

type pendingSave struct {
	productID string
	version   int64
	qty       int64
	at        time.Time
}

type memTxRepo struct {
	store   *MemoryStore
	scope   *tenancy.Scope
	saves   []pendingSave
	appends []Transaction
}

func seqKey(tenantID, productID string) string { return tenantID + "/" + productID }

func (r *memTxRepo) GetProductForUpdate(ctx context.Context, productID string) (catalog.Product, error) {
	return r.store.products.Get(ctx, r.scope, productID)
}

func (r *memTxRepo) NextSeq(_ context.Context, productID string) (int64, error) {
	return r.store.seqs[seqKey(r.scope.TenantID(), productID)] + 1, nil
}

func (r *memTxRepo) SaveQuantity(_ context.Context, productID string, version, qty int64, at time.Time) error {
	r.saves = append(r.saves, pendingSave{productID: productID, version: version, qty: qty, at: at})
	return nil
}

func (r *memTxRepo) AppendTransaction(_ context.Context, tx Transaction) error {
	r.appends = append(r.appends, tx)
	return nil
}

func (r *memTxRepo) commit(ctx context.Context) error {
	for _, save := range r.saves {
		p, err := r.store.products.Get(ctx, r.scope, save.productID)
		if err != nil {
			return err
		}
		if p.Version != save.version {
			return errVersionConflict
		}
	}
	for _, save := range r.saves {
		_, err := r.store.products.Modify(ctx, r.scope, save.productID, func(p *catalog.Product) error {
			p.StockQuantity = save.qty
			p.Version++
			p.UpdatedAt = save.at
			return nil
		})
		if err != nil {
			return err
		}
	}
	for i := range r.appends {
		tx := r.appends[i]
		if err := r.store.txs.Insert(ctx, r.scope, &tx); err != nil {
			return err
		}
		r.store.seqs[seqKey(r.scope.TenantID(), tx.ProductID)] = tx.Seq
	}
	return nil
}
