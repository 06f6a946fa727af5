// Package orders holds the order entity, its totals and its status machine.
package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// Status enumerates order states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition rejects status changes outside the state machine.
var ErrInvalidTransition = errors.New("orders: invalid status transition")

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusFulfilled, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Line is a snapshot of a product at order time.
type Line struct {
	ProductID string          `json:"product_id" validate:"required"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity" validate:"gt=0"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Order is a customer order.
type Order struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Number        string          `json:"number"`
	CustomerID    string          `json:"customer_id,omitempty" validate:"omitempty,uuid"`
	CustomerName  string          `json:"customer_name" validate:"max=200"`
	CustomerEmail string          `json:"customer_email" validate:"omitempty,email"`
	Status        Status          `json:"status" validate:"oneof=pending paid fulfilled cancelled"`
	Currency      string          `json:"currency" validate:"len=3"`
	Lines         []Line          `json:"lines" validate:"min=1,dive"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Recalculate sets line totals and the subtotal from unit prices and quantities.
func (o *Order) Recalculate() {
	sum := decimal.Zero
	for i := range o.Lines {
		l := &o.Lines[i]
		l.LineTotal = l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
		sum = sum.Add(l.LineTotal)
	}
	o.Subtotal = sum
}

// Validate checks tags and the totals invariant.
func Validate(o *Order) error {
	if err := shared.ValidateStruct(o); err != nil {
		return err
	}
	sum := decimal.Zero
	for i, l := range o.Lines {
		if l.UnitPrice.IsNegative() {
			return shared.Invalid(fmt.Sprintf("Lines[%d].UnitPrice", i), "gte=0")
		}
		if !l.LineTotal.Equal(l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))) {
			return shared.Invalid(fmt.Sprintf("Lines[%d].LineTotal", i), "unit_price*quantity")
		}
		sum = sum.Add(l.LineTotal)
	}
	if !o.Subtotal.Equal(sum) {
		return shared.Invalid("Subtotal", "sum(line_total)")
	}
	return nil
}

// Clone deep-copies the order lines.
func Clone(o Order) Order {
	o.Lines = append([]Line(nil), o.Lines...)
	return o
}
