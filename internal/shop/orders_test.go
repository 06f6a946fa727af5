package shop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/orders"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

func TestPlaceOrderSnapshotsAndReserves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := f.env.Scope(t, f.env.AddTenant(t, "acme"))
	mug := f.product(t, scope, "MUG-1", "10.50", 10)
	pot := f.product(t, scope, "POT-1", "3", 4)

	order, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{
		CustomerName: "Ada",
		Lines: []OrderLineInput{
			{ProductID: pot.ID, Quantity: 1},
			{ProductID: mug.ID, Quantity: 2},
			{ProductID: pot.ID, Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, orders.StatusPending, order.Status)
	require.Equal(t, "USD", order.Currency)
	require.NotEmpty(t, order.Number)
	require.True(t, order.Subtotal.Equal(decimal.RequireFromString("30")), order.Subtotal.String())
	require.Equal(t, "MUG-1", order.Lines[1].SKU)

	got, err := f.svc.GetProduct(ctx, scope, mug.ID)
	require.NoError(t, err)
	require.EqualValues(t, 8, got.StockQuantity)
	got, err = f.svc.GetProduct(ctx, scope, pot.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.StockQuantity)

	// Later price changes do not touch the stored snapshot.
	mug.Price = decimal.NewFromInt(99)
	_, err = f.svc.UpdateProduct(ctx, scope, mug)
	require.NoError(t, err)
	stored, err := f.svc.GetOrder(ctx, scope, order.ID)
	require.NoError(t, err)
	require.True(t, stored.Lines[1].UnitPrice.Equal(decimal.RequireFromString("10.50")))
}

func TestPlaceOrderCompensatesOnShortage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := f.env.Scope(t, f.env.AddTenant(t, "acme"))
	a := f.product(t, scope, "A", "1", 5)
	b := f.product(t, scope, "B", "1", 1)

	_, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{
		{ProductID: a.ID, Quantity: 3},
		{ProductID: b.ID, Quantity: 2},
	}})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	for _, p := range []struct {
		id   string
		want int64
	}{{a.ID, 5}, {b.ID, 1}} {
		level, err := f.svc.StockLevel(ctx, scope, p.id)
		require.NoError(t, err)
		require.Equal(t, p.want, level.Quantity)
	}
	page, err := f.svc.ListOrders(ctx, scope, dal.Query{})
	require.NoError(t, err)
	require.Empty(t, page.Items)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := f.env.Scope(t, f.env.AddTenant(t, "acme"))
	p := f.product(t, scope, "A", "1", 5)

	_, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{{ProductID: p.ID, Quantity: 0}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{{ProductID: "00000000-0000-0000-0000-000000000000", Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestOrderCurrencyFollowsTenantSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := f.env.Scope(t, f.env.AddTenant(t, "acme"))
	p := f.product(t, scope, "A", "1", 5)

	_, err := f.svc.UpdateSettings(ctx, scope, map[string]string{SettingCurrency: "eur"})
	require.NoError(t, err)
	order, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{{ProductID: p.ID, Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "EUR", order.Currency)

	order, err = f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Currency: "gbp", Lines: []OrderLineInput{{ProductID: p.ID, Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "GBP", order.Currency)
}

func TestOrderStatusMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := f.env.Scope(t, f.env.AddTenant(t, "acme"))
	p := f.product(t, scope, "A", "2", 5)

	order, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{{ProductID: p.ID, Quantity: 3}}})
	require.NoError(t, err)

	paid, err := f.svc.UpdateOrderStatus(ctx, scope, order.ID, orders.StatusPaid)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaid, paid.Status)
	require.True(t, paid.Subtotal.Equal(order.Subtotal))

	cancelled, err := f.svc.UpdateOrderStatus(ctx, scope, order.ID, orders.StatusCancelled)
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancelled, cancelled.Status)
	level, err := f.svc.StockLevel(ctx, scope, p.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, level.Quantity)

	_, err = f.svc.UpdateOrderStatus(ctx, scope, order.ID, orders.StatusPaid)
	require.ErrorIs(t, err, shared.ErrConstraintViolation)
	require.ErrorIs(t, err, orders.ErrInvalidTransition)

	history, err := f.svc.StockHistory(ctx, scope, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, order.ID, history[2].Reference)
}

func TestConcurrentCancelsRestockOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := f.env.AddTenant(t, "acme")
	scope := f.env.Scope(t, tenantID)
	p := f.product(t, scope, "A", "1", 10)

	for i := 0; i < 50; i++ {
		order, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{{ProductID: p.ID, Quantity: 1}}})
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := f.svc.WithScope(ctx, tenantID, func(ctx context.Context, s *tenancy.Scope) error {
					_, err := f.svc.UpdateOrderStatus(ctx, s, order.ID, orders.StatusCancelled)
					return err
				})
				if err != nil && !errors.Is(err, shared.ErrConcurrencyConflict) {
					t.Errorf("cancel: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		level, err := f.svc.StockLevel(ctx, scope, p.ID)
		require.NoError(t, err)
		require.EqualValues(t, 10, level.Quantity, "iteration %d", i)
	}

	history, err := f.svc.StockHistory(ctx, scope, p.ID)
	require.NoError(t, err)
	restocks := 0
	for _, tx := range history {
		if tx.Reason == "order cancelled" {
			restocks++
		}
	}
	require.Equal(t, 50, restocks)
}

func TestStaleStatusUpdateIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := f.env.Scope(t, f.env.AddTenant(t, "acme"))
	p := f.product(t, scope, "A", "1", 5)
	order, err := f.svc.PlaceOrder(ctx, scope, PlaceOrderInput{Lines: []OrderLineInput{{ProductID: p.ID, Quantity: 2}}})
	require.NoError(t, err)

	_, err = f.svc.UpdateOrderStatus(ctx, scope, order.ID, orders.StatusPaid)
	require.NoError(t, err)

	// A writer still holding the pending snapshot loses.
	stale := orders.Clone(order)
	stale.Status = orders.StatusCancelled
	_, err = f.svc.orders.Update(ctx, scope, &stale, dal.Condition{Field: "status", Value: string(orders.StatusPending)})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	got, err := f.svc.GetOrder(ctx, scope, order.ID)
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaid, got.Status)
}
