// Package events publishes change notifications. Required handlers run inline
// with the write; subscribers and sinks are best effort.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// Type names an event.
type Type string

const (
	ProductCreated        Type = "product.created"
	ProductUpdated        Type = "product.updated"
	ProductDeleted        Type = "product.deleted"
	CategoryCreated       Type = "category.created"
	CategoryUpdated       Type = "category.updated"
	CategoryDeleted       Type = "category.deleted"
	OrderCreated          Type = "order.created"
	OrderStatusChanged    Type = "order.status_changed"
	StockAdjusted         Type = "stock.adjusted"
	StockLow              Type = "stock.low"
	TenantSettingsUpdated Type = "tenant.settings_updated"
	TenantStatusChanged   Type = "tenant.status_changed"
)

// Event is a single change notification.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	TenantID  string          `json:"tenant_id"`
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Handler reacts to an event.
type Handler func(ctx context.Context, evt Event) error

// Sink forwards events outside the process.
type Sink interface {
	Deliver(ctx context.Context, evt Event) error
}

// Publisher is what writers depend on.
type Publisher interface {
	Publish(ctx context.Context, scope *tenancy.Scope, typ Type, entityID string, payload any) (Event, error)
}

// StockLowPayload is carried by stock.low.
type StockLowPayload struct {
	ProductID     string `json:"product_id"`
	SKU           string `json:"sku"`
	Previous      int64  `json:"previous"`
	Quantity      int64  `json:"quantity"`
	MinStockLevel int64  `json:"min_stock_level"`
}

// StockAdjustedPayload is carried by stock.adjusted.
type StockAdjustedPayload struct {
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Seq           int64  `json:"seq"`
	Delta         int64  `json:"delta"`
	Previous      int64  `json:"previous"`
	Quantity      int64  `json:"quantity"`
}
