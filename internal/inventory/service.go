package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Config groups engine settings.
type Config struct {
	LockTimeout time.Duration
	// MaxAttempts bounds tries on version or serialization conflicts.
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 10 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 200 * time.Millisecond
	}
	return c
}

// Engine coordinates stock mutations.
type Engine struct {
	store     Store
	ledger    *dal.Repository[Transaction]
	publisher events.Publisher
	cfg       Config
	locks     *lockTable
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine builds Engine. publisher may be nil.
func NewEngine(store Store, ledger *dal.Repository[Transaction], publisher events.Publisher, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		locks:     newLockTable(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AdjustStock applies a signed delta under the product lock and appends the
// ledger entry in the same atomic unit.
func (e *Engine) AdjustStock(ctx context.Context, scope *tenancy.Scope, adj Adjustment) (Result, error) {
	if err := scope.CheckWritable(); err != nil {
		return Result{}, err
	}
	if err := adj.normalize(); err != nil {
		return Result{}, err
	}
	if !dal.ValidID(adj.ProductID) {
		return Result{}, fmt.Errorf("inventory: adjust %s: %w", adj.ProductID, shared.ErrNotFound)
	}

	release, err := e.locks.acquire(ctx, lockKey(scope.TenantID(), adj.ProductID), e.cfg.LockTimeout)
	if err != nil {
		return Result{}, err
	}
	defer release()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInitial
	policy.MaxInterval = e.cfg.RetryMax

	attempt := 0
	res, err := backoff.Retry(ctx, func() (Result, error) {
		attempt++
		res, err := e.apply(ctx, scope, adj)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, shared.ErrConcurrencyConflict) {
			e.logger.Debug("stock adjustment conflict, retrying",
				slog.String("tenant", scope.TenantID()),
				slog.String("product", adj.ProductID),
				slog.Int("attempt", attempt),
			)
			return res, err
		}
		return res, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(e.cfg.MaxAttempts)))
	if err != nil {
		return Result{}, fmt.Errorf("inventory: adjust %s: %w", adj.ProductID, err)
	}

	e.notify(ctx, scope, res)
	return res, nil
}

func (e *Engine) apply(ctx context.Context, scope *tenancy.Scope, adj Adjustment) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, scope, func(ctx context.Context, tx TxRepository) error {
		product, err := tx.GetProductForUpdate(ctx, adj.ProductID)
		if err != nil {
			return err
		}
		prev := product.StockQuantity
		next := prev + adj.Delta
		if next < 0 && adj.Delta < 0 && !product.AllowBackorder {
			return fmt.Errorf("%w: %s has %d, requested %d", shared.ErrInsufficientStock, product.SKU, prev, -adj.Delta)
		}
		seq, err := tx.NextSeq(ctx, adj.ProductID)
		if err != nil {
			return err
		}
		now := e.now()
		if err := tx.SaveQuantity(ctx, adj.ProductID, product.Version, next, now); err != nil {
			return err
		}
		entry := Transaction{
			ID:               uuid.NewString(),
			TenantID:         scope.TenantID(),
			ProductID:        adj.ProductID,
			Seq:              seq,
			Type:             adj.Type,
			Delta:            adj.Delta,
			PreviousQuantity: prev,
			NewQuantity:      next,
			Reason:           adj.Reason,
			Reference:        adj.Reference,
			CreatedAt:        now,
		}
		if err := tx.AppendTransaction(ctx, entry); err != nil {
			return err
		}
		product.StockQuantity = next
		product.Version++
		res = Result{
			Level:       levelOf(product),
			Transaction: entry,
			CrossedLow:  prev >= product.MinStockLevel && next < product.MinStockLevel,
		}
		return nil
	})
	return res, err
}

// notify runs after commit; the adjustment stands even when publishing fails.
func (e *Engine) notify(ctx context.Context, scope *tenancy.Scope, res Result) {
	if e.publisher == nil {
		return
	}
	tx := res.Transaction
	if _, err := e.publisher.Publish(ctx, scope, events.StockAdjusted, tx.ProductID, events.StockAdjustedPayload{
		ProductID:     tx.ProductID,
		TransactionID: tx.ID,
		Seq:           tx.Seq,
		Delta:         tx.Delta,
		Previous:      tx.PreviousQuantity,
		Quantity:      tx.NewQuantity,
	}); err != nil {
		e.logger.Error("publish stock.adjusted", slog.String("product", tx.ProductID), slog.Any("error", err))
	}
	if !res.CrossedLow {
		return
	}
	if _, err := e.publisher.Publish(ctx, scope, events.StockLow, tx.ProductID, events.StockLowPayload{
		ProductID:     tx.ProductID,
		SKU:           res.Level.SKU,
		Previous:      tx.PreviousQuantity,
		Quantity:      tx.NewQuantity,
		MinStockLevel: res.Level.MinStockLevel,
	}); err != nil {
		e.logger.Error("publish stock.low", slog.String("product", tx.ProductID), slog.Any("error", err))
	}
}

// Level reads the live stock of one product. It never goes through a cache
// and reads only the stock columns.
func (e *Engine) Level(ctx context.Context, scope *tenancy.Scope, productID string) (Level, error) {
	if err := scope.Verify(); err != nil {
		return Level{}, err
	}
	if !dal.ValidID(productID) {
		return Level{}, fmt.Errorf("inventory: level %s: %w", productID, shared.ErrNotFound)
	}
	levels, err := e.store.Levels(ctx, scope, []string{productID})
	if err != nil {
		return Level{}, fmt.Errorf("inventory: level %s: %w", productID, err)
	}
	level, ok := levels[productID]
	if !ok {
		return Level{}, fmt.Errorf("inventory: level %s: %w", productID, shared.ErrNotFound)
	}
	return level, nil
}

// Levels reads live stock for several products. Unknown and malformed ids are omitted.
func (e *Engine) Levels(ctx context.Context, scope *tenancy.Scope, productIDs []string) (map[string]Level, error) {
	if err := scope.Verify(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		if dal.ValidID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return map[string]Level{}, nil
	}
	levels, err := e.store.Levels(ctx, scope, ids)
	if err != nil {
		return nil, fmt.Errorf("inventory: levels: %w", err)
	}
	return levels, nil
}

// History returns the ledger of a product in Seq order.
func (e *Engine) History(ctx context.Context, scope *tenancy.Scope, productID string) ([]Transaction, error) {
	if !dal.ValidID(productID) {
		return nil, fmt.Errorf("inventory: history %s: %w", productID, shared.ErrNotFound)
	}
	const pageSize = 500
	var out []Transaction
	for offset := 0; ; offset += pageSize {
		page, err := e.ledger.List(ctx, scope, dal.Query{
			Sort:   dal.Sort{Field: "seq"},
			Limit:  pageSize,
			Offset: offset,
		}.Where("product_id", dal.OpEq, productID))
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if len(page.Items) < pageSize {
			return out, nil
		}
	}
}

// VerifyReplay checks that the ledger replays from zero to the stored quantity.
func (e *Engine) VerifyReplay(ctx context.Context, scope *tenancy.Scope, productID string) error {
	level, err := e.Level(ctx, scope, productID)
	if err != nil {
		return err
	}
	txs, err := e.History(ctx, scope, productID)
	if err != nil {
		return err
	}
	qty, err := Replay(0, txs)
	if err != nil {
		return err
	}
	if qty != level.Quantity {
		return fmt.Errorf("%w: ledger replays to %d, stored %d", ErrBrokenChain, qty, level.Quantity)
	}
	return nil
}

func levelOf(p catalog.Product) Level {
	return Level{
		ProductID:      p.ID,
		SKU:            p.SKU,
		Quantity:       p.StockQuantity,
		MinStockLevel:  p.MinStockLevel,
		AllowBackorder: p.AllowBackorder,
		Version:        p.Version,
		Low:            p.StockQuantity < p.MinStockLevel,
	}
}
