package shop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/tillpoint/tillpoint/internal/cache"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/orders"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// OrderLineInput asks for a quantity of one product.
type OrderLineInput struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

// PlaceOrderInput is a new order request.
type PlaceOrderInput struct {
	CustomerID    string           `json:"customer_id" validate:"omitempty,uuid"`
	CustomerName  string           `json:"customer_name" validate:"max=200"`
	CustomerEmail string           `json:"customer_email" validate:"omitempty,email"`
	Currency      string           `json:"currency" validate:"omitempty,len=3"`
	Lines         []OrderLineInput `json:"lines" validate:"required,min=1,dive"`
}

// OrderStatusPayload is carried by order.status_changed.
type OrderStatusPayload struct {
	Number string        `json:"number"`
	From   orders.Status `json:"from"`
	To     orders.Status `json:"to"`
}

type reservation struct {
	productID string
	quantity  int64
}

// PlaceOrder snapshots the ordered products, reserves their stock and stores
// the order. Reservations already taken are given back when a later step fails.
func (s *Service) PlaceOrder(ctx context.Context, scope *tenancy.Scope, in PlaceOrderInput) (orders.Order, error) {
	if err := scope.CheckWritable(); err != nil {
		return orders.Order{}, err
	}
	if err := shared.ValidateStruct(in); err != nil {
		return orders.Order{}, err
	}
	currency, err := s.orderCurrency(ctx, scope, in.Currency)
	if err != nil {
		return orders.Order{}, err
	}

	order := orders.Order{
		ID:            uuid.NewString(),
		CustomerID:    in.CustomerID,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		Status:        orders.StatusPending,
		Currency:      currency,
		Lines:         make([]orders.Line, 0, len(in.Lines)),
	}
	wanted := make(map[string]int64, len(in.Lines))
	for _, l := range in.Lines {
		// Snapshots read the store, never the cache.
		p, err := s.products.Get(ctx, scope, l.ProductID)
		if err != nil {
			return orders.Order{}, fmt.Errorf("shop: order line %s: %w", l.ProductID, err)
		}
		order.Lines = append(order.Lines, orders.Line{
			ProductID: p.ID,
			SKU:       p.SKU,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  l.Quantity,
		})
		wanted[p.ID] += l.Quantity
	}
	order.Recalculate()
	if err := orders.Validate(&order); err != nil {
		return orders.Order{}, err
	}

	reserved, err := s.reserve(ctx, scope, order.ID, wanted)
	if err != nil {
		return orders.Order{}, err
	}
	saved, err := s.orders.Write(ctx, scope, &order)
	if err != nil {
		s.release(ctx, scope, order.ID, reserved, "order not stored")
		return orders.Order{}, err
	}
	if err := s.publish(ctx, scope, events.OrderCreated, saved.ID, saved); err != nil {
		s.logger.Error("order stored but not announced", slog.String("order", saved.ID), slog.Any("error", err))
	}
	return saved, nil
}

// reserve decrements stock in product id order so concurrent orders over the
// same products take the per-product locks in the same order.
func (s *Service) reserve(ctx context.Context, scope *tenancy.Scope, orderID string, wanted map[string]int64) ([]reservation, error) {
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	reserved := make([]reservation, 0, len(ids))
	for _, id := range ids {
		_, err := s.stock.AdjustStock(ctx, scope, inventory.Adjustment{
			ProductID: id,
			Delta:     -wanted[id],
			Type:      inventory.TransactionStockOut,
			Reason:    "order reserved",
			Reference: orderID,
		})
		if err != nil {
			s.release(ctx, scope, orderID, reserved, "order rejected")
			return nil, err
		}
		reserved = append(reserved, reservation{productID: id, quantity: wanted[id]})
	}
	return reserved, nil
}

// release books compensating stock_in entries in reverse order. Failures are
// logged; the ledger shows the reservation without its reversal.
func (s *Service) release(ctx context.Context, scope *tenancy.Scope, orderID string, reserved []reservation, reason string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(reserved) - 1; i >= 0; i-- {
		r := reserved[i]
		if _, err := s.stock.AdjustStock(ctx, scope, inventory.Adjustment{
			ProductID: r.productID,
			Delta:     r.quantity,
			Type:      inventory.TransactionStockIn,
			Reason:    reason,
			Reference: orderID,
		}); err != nil {
			s.logger.Error("compensate stock reservation",
				slog.String("tenant", scope.TenantID()),
				slog.String("order", orderID),
				slog.String("product", r.productID),
				slog.Any("error", err),
			)
		}
	}
}

// GetOrder returns one order. Orders are never cached.
func (s *Service) GetOrder(ctx context.Context, scope *tenancy.Scope, id string) (orders.Order, error) {
	return cache.Read(ctx, s.cache, scope, cache.EntityKey(dal.KindOrder, id), func(ctx context.Context) (orders.Order, error) {
		return s.orders.Get(ctx, scope, id)
	})
}

// ListOrders returns one page of orders.
func (s *Service) ListOrders(ctx context.Context, scope *tenancy.Scope, q dal.Query) (dal.Page[orders.Order], error) {
	return s.orders.List(ctx, scope, q)
}

// UpdateOrderStatus moves an order along its state machine. Cancelling gives
// the reserved stock back. The move only lands if the order is still in the
// status it was read in; a concurrent writer that got there first makes this
// call fail with shared.ErrConcurrencyConflict, so stock is released once.
func (s *Service) UpdateOrderStatus(ctx context.Context, scope *tenancy.Scope, id string, status orders.Status) (orders.Order, error) {
	if err := scope.CheckWritable(); err != nil {
		return orders.Order{}, err
	}
	current, err := s.orders.Get(ctx, scope, id)
	if err != nil {
		return orders.Order{}, err
	}
	if current.Status == status {
		return current, nil
	}
	if !orders.CanTransition(current.Status, status) {
		return orders.Order{}, fmt.Errorf("shop: %w: %w: %s to %s", shared.ErrConstraintViolation, orders.ErrInvalidTransition, current.Status, status)
	}

	next := orders.Clone(current)
	next.Status = status
	saved, err := s.orders.Update(ctx, scope, &next, dal.Condition{Field: "status", Value: string(current.Status)})
	if err != nil {
		return orders.Order{}, err
	}
	if status == orders.StatusCancelled {
		if err := s.restock(ctx, scope, saved); err != nil {
			return saved, err
		}
	}
	if err := s.publish(ctx, scope, events.OrderStatusChanged, saved.ID, OrderStatusPayload{
		Number: saved.Number,
		From:   current.Status,
		To:     status,
	}); err != nil {
		s.logger.Error("order status stored but not announced", slog.String("order", saved.ID), slog.Any("error", err))
	}
	return saved, nil
}

func (s *Service) restock(ctx context.Context, scope *tenancy.Scope, o orders.Order) error {
	var errs []error
	for _, l := range o.Lines {
		if _, err := s.stock.AdjustStock(context.WithoutCancel(ctx), scope, inventory.Adjustment{
			ProductID: l.ProductID,
			Delta:     l.Quantity,
			Type:      inventory.TransactionStockIn,
			Reason:    "order cancelled",
			Reference: o.ID,
		}); err != nil && !errors.Is(err, shared.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
