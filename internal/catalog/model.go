// Package catalog holds the product and category entities and their table
// descriptors.
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable item of one tenant. StockQuantity is owned by the
// inventory engine.
type Product struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	SKU            string          `json:"sku" validate:"required,max=64"`
	Name           string          `json:"name" validate:"required,max=200"`
	Description    string          `json:"description" validate:"max=4000"`
	CategoryID     string          `json:"category_id,omitempty" validate:"omitempty,uuid"`
	Price          decimal.Decimal `json:"price"`
	StockQuantity  int64           `json:"stock_quantity"`
	MinStockLevel  int64           `json:"min_stock_level" validate:"gte=0"`
	AllowBackorder bool            `json:"allow_backorder"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Category groups products.
type Category struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name" validate:"required,max=120"`
	Slug      string    `json:"slug" validate:"max=140"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
