package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/testing/tenanttest"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

func sampleOrder() Order {
	o := Order{
		Currency: "usd",
		Lines: []Line{
			{ProductID: uuid.NewString(), SKU: "A", Name: "Anvil", UnitPrice: decimal.RequireFromString("19.99"), Quantity: 2},
			{ProductID: uuid.NewString(), SKU: "B", Name: "Bolt", UnitPrice: decimal.RequireFromString("0.25"), Quantity: 10},
		},
	}
	o.Recalculate()
	return o
}

func TestRecalculate(t *testing.T) {
	o := sampleOrder()
	require.True(t, o.Lines[0].LineTotal.Equal(decimal.RequireFromString("39.98")))
	require.True(t, o.Subtotal.Equal(decimal.RequireFromString("42.48")))
}

func TestValidateRejectsInconsistentTotals(t *testing.T) {
	o := sampleOrder()
	o.Status = StatusPending
	o.Currency = "USD"
	require.NoError(t, Validate(&o))

	o.Subtotal = o.Subtotal.Add(decimal.NewFromInt(1))
	require.ErrorIs(t, Validate(&o), shared.ErrValidation)

	o = sampleOrder()
	o.Status = StatusPending
	o.Currency = "USD"
	o.Lines[1].Quantity = 0
	require.ErrorIs(t, Validate(&o), shared.ErrValidation)
}

func TestTransitions(t *testing.T) {
	require.True(t, CanTransition(StatusPending, StatusPaid))
	require.True(t, CanTransition(StatusPaid, StatusCancelled))
	require.False(t, CanTransition(StatusFulfilled, StatusCancelled))
	require.False(t, CanTransition(StatusCancelled, StatusPending))
	require.False(t, CanTransition(StatusPending, StatusFulfilled))
}

func TestOrderUpdateOnlyChangesStatus(t *testing.T) {
	ctx := context.Background()
	env := tenanttest.New(tenancy.Config{})
	scope := env.Scope(t, env.AddTenant(t, "acme"))
	repo := dal.NewRepository(Orders, dal.NewMemoryStore(Orders), nil, nil)

	in := sampleOrder()
	created, err := repo.Write(ctx, scope, &in)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)
	require.Equal(t, "USD", created.Currency)
	require.Contains(t, created.Number, "SO-")

	created.Status = StatusPaid
	created.Lines[0].Quantity = 99
	created.Recalculate()
	paid, err := repo.Write(ctx, scope, &created)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.EqualValues(t, 2, paid.Lines[0].Quantity)
	require.True(t, paid.Subtotal.Equal(decimal.RequireFromString("42.48")))
}

func TestNumber(t *testing.T) {
	ts := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "SO-20260304-ABCDEF12", Number(ts, "abcdef12-3456"))
}
