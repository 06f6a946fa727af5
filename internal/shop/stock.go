package shop

import (
	"context"

	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// AdjustStock applies a signed stock change through the engine.
func (s *Service) AdjustStock(ctx context.Context, scope *tenancy.Scope, adj inventory.Adjustment) (inventory.Result, error) {
	return s.stock.AdjustStock(ctx, scope, adj)
}

// StockLevel returns the live level of a product.
func (s *Service) StockLevel(ctx context.Context, scope *tenancy.Scope, productID string) (inventory.Level, error) {
	return s.stock.Level(ctx, scope, productID)
}

// StockHistory returns the ledger of a product in sequence order.
func (s *Service) StockHistory(ctx context.Context, scope *tenancy.Scope, productID string) ([]inventory.Transaction, error) {
	if _, err := s.stock.Level(ctx, scope, productID); err != nil {
		return nil, err
	}
	return s.stock.History(ctx, scope, productID)
}
