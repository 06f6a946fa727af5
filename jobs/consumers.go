package jobs

import (
	"context"
	"log/slog"

	"github.com/tillpoint/tillpoint/internal/events"
)

// SearchIndexer forwards catalog changes to the search index. The index is
// owned by another service; this consumer records the request.
type SearchIndexer struct {
	logger *slog.Logger
}

// NewSearchIndexer builds SearchIndexer.
func NewSearchIndexer(logger *slog.Logger) *SearchIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchIndexer{logger: logger}
}

// IndexedTypes lists the events the indexer cares about.
var IndexedTypes = []events.Type{
	events.ProductCreated,
	events.ProductUpdated,
	events.ProductDeleted,
	events.CategoryCreated,
	events.CategoryUpdated,
	events.CategoryDeleted,
	events.StockAdjusted,
}

func (s *SearchIndexer) Name() string { return "search-indexer" }

func (s *SearchIndexer) Consume(_ context.Context, evt events.Event) error {
	op := "upsert"
	if evt.Type == events.ProductDeleted || evt.Type == events.CategoryDeleted {
		op = "delete"
	}
	s.logger.Info("search index request",
		slog.String("tenant_id", evt.TenantID),
		slog.String("entity_id", evt.EntityID),
		slog.String("event", string(evt.Type)),
		slog.String("op", op),
	)
	return nil
}

// LowStockNotifier tells the tenant when a product drops below its minimum.
type LowStockNotifier struct {
	logger *slog.Logger
}

// NewLowStockNotifier builds LowStockNotifier.
func NewLowStockNotifier(logger *slog.Logger) *LowStockNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LowStockNotifier{logger: logger}
}

func (n *LowStockNotifier) Name() string { return "low-stock-notifier" }

func (n *LowStockNotifier) Consume(_ context.Context, evt events.Event) error {
	var payload events.StockLowPayload
	if err := evt.Decode(&payload); err != nil {
		return err
	}
	n.logger.Warn("low stock",
		slog.String("tenant_id", evt.TenantID),
		slog.String("product_id", evt.EntityID),
		slog.String("sku", payload.SKU),
		slog.Int64("quantity", payload.Quantity),
		slog.Int64("min_stock_level", payload.MinStockLevel),
	)
	return nil
}
