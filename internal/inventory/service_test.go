package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
	"github.com/tillpoint/tillpoint/internal/testing/tenanttest"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, scope *tenancy.Scope, typ events.Type, entityID string, _ any) (events.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt := events.Event{Type: typ, TenantID: scope.TenantID(), EntityID: entityID}
	p.events = append(p.events, evt)
	return evt, nil
}

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	env      *tenanttest.Env
	products *dal.Repository[catalog.Product]
	engine   *Engine
	store    *MemoryStore
	pub      *recordingPublisher
}

func newHarness(t *testing.T, store func(*MemoryStore) Store, cfg Config) *harness {
	t.Helper()
	productStore := dal.NewMemoryStore(catalog.Products)
	txStore := dal.NewMemoryStore(Transactions)
	products := dal.NewRepository(catalog.Products, productStore, nil, nil)
	ledger := dal.NewRepository(Transactions, txStore, nil, nil)
	mem := NewMemoryStore(productStore, txStore)
	var s Store = mem
	if store != nil {
		s = store(mem)
	}
	pub := &recordingPublisher{}
	return &harness{
		env:      tenanttest.New(tenancy.Config{}),
		products: products,
		engine:   NewEngine(s, ledger, pub, cfg, nil),
		store:    mem,
		pub:      pub,
	}
}

var skuSeq atomic.Int64

func (h *harness) product(t *testing.T, scope *tenancy.Scope, stock, minLevel int64, backorder bool) catalog.Product {
	t.Helper()
	p, err := h.products.Write(context.Background(), scope, &catalog.Product{
		SKU: fmt.Sprintf("SKU-%d", skuSeq.Add(1)), Name: "Widget", Price: decimal.NewFromInt(10),
		MinStockLevel: minLevel, AllowBackorder: backorder,
	})
	require.NoError(t, err)
	if stock > 0 {
		_, err = h.engine.AdjustStock(context.Background(), scope, Adjustment{ProductID: p.ID, Delta: stock, Reason: "initial stock"})
		require.NoError(t, err)
	}
	return p
}

func TestNoOversellUnderConcurrency(t *testing.T) {
	h := newHarness(t, nil, Config{})
	tenantID := h.env.AddTenant(t, "acme")
	scope := h.env.Scope(t, tenantID)
	p := h.product(t, scope, 10, 0, false)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each sale runs in its own scope, as concurrent requests do.
			err := h.env.Manager.WithScope(context.Background(), tenantID, func(ctx context.Context, s *tenancy.Scope) error {
				_, err := h.engine.AdjustStock(ctx, s, Adjustment{ProductID: p.ID, Delta: -1, Reason: "sale"})
				return err
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, shared.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, ok.Load())
	require.EqualValues(t, 40, insufficient.Load())
	level, err := h.engine.Level(context.Background(), scope, p.ID)
	require.NoError(t, err)
	require.Zero(t, level.Quantity)
	require.NoError(t, h.engine.VerifyReplay(context.Background(), scope, p.ID))
	require.Zero(t, h.engine.locks.size())
}

func TestReplayConsistency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Config{})
	scope := h.env.Scope(t, h.env.AddTenant(t, "acme"))
	p := h.product(t, scope, 0, 0, true)

	for _, d := range []int64{5, -3, 12, -20, 7, -1} {
		_, err := h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: d, Type: TransactionAdjustment, Reason: "count"})
		require.NoError(t, err)
	}
	txs, err := h.engine.History(ctx, scope, p.ID)
	require.NoError(t, err)
	require.Len(t, txs, 6)
	qty, err := Replay(0, txs)
	require.NoError(t, err)
	require.EqualValues(t, 0, qty)

	level, err := h.engine.Level(ctx, scope, p.ID)
	require.NoError(t, err)
	require.Equal(t, qty, level.Quantity)
	require.NoError(t, h.engine.VerifyReplay(ctx, scope, p.ID))

	txs[2].Delta++
	_, err = Replay(0, txs)
	require.ErrorIs(t, err, ErrBrokenChain)
}

func TestLowStockIsEdgeTriggered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Config{})
	scope := h.env.Scope(t, h.env.AddTenant(t, "acme"))
	p := h.product(t, scope, 7, 5, false)

	res, err := h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: -2})
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Level.Quantity)
	require.False(t, res.CrossedLow)
	require.Zero(t, h.pub.count(events.StockLow))

	res, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: -1})
	require.NoError(t, err)
	require.True(t, res.CrossedLow)
	require.Equal(t, 1, h.pub.count(events.StockLow))

	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: -1})
	require.NoError(t, err)
	require.Equal(t, 1, h.pub.count(events.StockLow))

	// Refill and cross again.
	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: 10})
	require.NoError(t, err)
	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: -10})
	require.NoError(t, err)
	require.Equal(t, 2, h.pub.count(events.StockLow))
	require.Equal(t, 6, h.pub.count(events.StockAdjusted))
}

func TestAdjustValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Config{})
	scope := h.env.Scope(t, h.env.AddTenant(t, "acme"))
	p := h.product(t, scope, 1, 0, false)

	_, err := h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: -1, Type: TransactionStockIn})
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: "missing", Delta: 1})
	require.ErrorIs(t, err, shared.ErrNotFound)

	other := h.env.Scope(t, h.env.AddTenant(t, "globex"))
	_, err = h.engine.AdjustStock(ctx, other, Adjustment{ProductID: p.ID, Delta: -1})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

type blockingStore struct {
	Store
	entered chan struct{}
	gate    chan struct{}
}

func (b *blockingStore) WithTx(ctx context.Context, scope *tenancy.Scope, fn func(context.Context, TxRepository) error) error {
	b.entered <- struct{}{}
	<-b.gate
	return b.Store.WithTx(ctx, scope, fn)
}

func TestLockTimeoutSurfacesConflict(t *testing.T) {
	ctx := context.Background()
	var blocking *blockingStore
	h := newHarness(t, func(m *MemoryStore) Store {
		blocking = &blockingStore{Store: m, entered: make(chan struct{}, 1), gate: make(chan struct{})}
		return blocking
	}, Config{LockTimeout: 50 * time.Millisecond})
	tenantID := h.env.AddTenant(t, "acme")
	scope := h.env.Scope(t, tenantID)
	holder := h.env.Scope(t, tenantID)
	p, err := h.products.Write(ctx, scope, &catalog.Product{SKU: "A", Name: "Anvil"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.AdjustStock(ctx, holder, Adjustment{ProductID: p.ID, Delta: 3})
		done <- err
	}()
	<-blocking.entered

	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: 1})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.ErrorIs(t, err, ErrLockTimeout)

	close(blocking.gate)
	require.NoError(t, <-done)
}

func TestCancelledWaitReleasesNothing(t *testing.T) {
	var blocking *blockingStore
	h := newHarness(t, func(m *MemoryStore) Store {
		blocking = &blockingStore{Store: m, entered: make(chan struct{}, 1), gate: make(chan struct{})}
		return blocking
	}, Config{})
	tenantID := h.env.AddTenant(t, "acme")
	scope := h.env.Scope(t, tenantID)
	holder := h.env.Scope(t, tenantID)
	p, err := h.products.Write(context.Background(), scope, &catalog.Product{SKU: "A", Name: "Anvil"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.AdjustStock(context.Background(), holder, Adjustment{ProductID: p.ID, Delta: 3})
		done <- err
	}()
	<-blocking.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: 1})
	require.ErrorIs(t, err, context.Canceled)

	close(blocking.gate)
	require.NoError(t, <-done)
	require.Zero(t, h.engine.locks.size())
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) WithTx(ctx context.Context, scope *tenancy.Scope, fn func(context.Context, TxRepository) error) error {
	f.calls++
	if f.calls <= f.failures {
		return errVersionConflict
	}
	return f.Store.WithTx(ctx, scope, fn)
}

func TestVersionConflictsAreRetried(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyStore
	h := newHarness(t, func(m *MemoryStore) Store {
		flaky = &flakyStore{Store: m, failures: 2}
		return flaky
	}, Config{RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond})
	scope := h.env.Scope(t, h.env.AddTenant(t, "acme"))
	p, err := h.products.Write(ctx, scope, &catalog.Product{SKU: "A", Name: "Anvil"})
	require.NoError(t, err)

	res, err := h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: 4})
	require.NoError(t, err)
	require.EqualValues(t, 4, res.Level.Quantity)
	require.Equal(t, 3, flaky.calls)

	flaky.calls, flaky.failures = 0, 10
	_, err = h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: 1})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.Equal(t, 3, flaky.calls)
}

func TestFailedCommitLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Config{})
	scope := h.env.Scope(t, h.env.AddTenant(t, "acme"))
	p := h.product(t, scope, 2, 0, false)

	_, err := h.engine.AdjustStock(ctx, scope, Adjustment{ProductID: p.ID, Delta: -3})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	txs, err := h.engine.History(ctx, scope, p.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	level, err := h.engine.Level(ctx, scope, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, level.Quantity)
}

func TestLevels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, Config{})
	scope := h.env.Scope(t, h.env.AddTenant(t, "acme"))
	a := h.product(t, scope, 3, 0, false)
	b := h.product(t, scope, 8, 10, false)

	levels, err := h.engine.Levels(ctx, scope, []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	require.EqualValues(t, 3, levels[a.ID].Quantity)
	require.True(t, levels[b.ID].Low)
}
