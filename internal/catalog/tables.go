package catalog

import (
	"regexp"
	"strings"
	"time"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// Products describes the products table.
var Products = &dal.Table[Product]{
	Kind:      dal.KindProduct,
	Name:      "products",
	Columns:   []string{"id", "sku", "name", "description", "category_id", "price", "stock_quantity", "min_stock_level", "allow_backorder", "version", "created_at", "updated_at"},
	Immutable: []string{"stock_quantity", "version", "created_at"},
	Unique:    [][]string{{"sku"}},
	Fields: map[string]dal.Field[Product]{
		"id":              {Column: "id", Type: dal.FieldString, Get: func(p *Product) any { return p.ID }},
		"sku":             {Column: "sku", Type: dal.FieldString, Get: func(p *Product) any { return p.SKU }},
		"name":            {Column: "name", Type: dal.FieldString, Get: func(p *Product) any { return p.Name }},
		"category_id":     {Column: "category_id", Type: dal.FieldString, Get: func(p *Product) any { return p.CategoryID }},
		"price":           {Column: "price", Type: dal.FieldDecimal, Get: func(p *Product) any { return p.Price }},
		"stock_quantity":  {Column: "stock_quantity", Type: dal.FieldInt, Get: func(p *Product) any { return p.StockQuantity }},
		"min_stock_level": {Column: "min_stock_level", Type: dal.FieldInt, Get: func(p *Product) any { return p.MinStockLevel }},
		"allow_backorder": {Column: "allow_backorder", Type: dal.FieldBool, Get: func(p *Product) any { return p.AllowBackorder }},
		"created_at":      {Column: "created_at", Type: dal.FieldTime, Get: func(p *Product) any { return p.CreatedAt }},
		"updated_at":      {Column: "updated_at", Type: dal.FieldTime, Get: func(p *Product) any { return p.UpdatedAt }},
	},
	DefaultSort: "sku",
	ID:          func(p *Product) string { return p.ID },
	SetID:       func(p *Product, id string) { p.ID = id },
	Tenant:      func(p *Product) string { return p.TenantID },
	SetTenant:   func(p *Product, id string) { p.TenantID = id },
	Values: func(p *Product) []any {
		return []any{p.ID, p.SKU, p.Name, p.Description, nullable(p.CategoryID), p.Price,
			p.StockQuantity, p.MinStockLevel, p.AllowBackorder, p.Version, p.CreatedAt, p.UpdatedAt}
	},
	Scan: func(scan dal.Scanner) (Product, error) {
		var p Product
		var category *string
		err := scan(&p.TenantID, &p.ID, &p.SKU, &p.Name, &p.Description, &category, &p.Price,
			&p.StockQuantity, &p.MinStockLevel, &p.AllowBackorder, &p.Version, &p.CreatedAt, &p.UpdatedAt)
		if category != nil {
			p.CategoryID = *category
		}
		return p, err
	},
	Touch: func(p *Product, now time.Time, created bool) {
		p.SKU = strings.TrimSpace(p.SKU)
		p.Name = strings.TrimSpace(p.Name)
		if created {
			p.CreatedAt = now
			p.StockQuantity = 0
			p.Version = 1
		}
		p.UpdatedAt = now
	},
	Preserve: func(next *Product, prev Product) {
		next.StockQuantity = prev.StockQuantity
		next.Version = prev.Version
		next.CreatedAt = prev.CreatedAt
	},
	Validate: ValidateProduct,
}

// Categories describes the categories table.
var Categories = &dal.Table[Category]{
	Kind:    dal.KindCategory,
	Name:    "categories",
	Columns: []string{"id", "name", "slug", "created_at", "updated_at"},
	// Slugs follow the name.
	Immutable: []string{"created_at"},
	Unique:    [][]string{{"name"}},
	Fields: map[string]dal.Field[Category]{
		"name": {Column: "name", Type: dal.FieldString, Get: func(c *Category) any { return c.Name }},
		"slug": {Column: "slug", Type: dal.FieldString, Get: func(c *Category) any { return c.Slug }},
	},
	DefaultSort: "name",
	ID:          func(c *Category) string { return c.ID },
	SetID:       func(c *Category, id string) { c.ID = id },
	Tenant:      func(c *Category) string { return c.TenantID },
	SetTenant:   func(c *Category, id string) { c.TenantID = id },
	Values: func(c *Category) []any {
		return []any{c.ID, c.Name, c.Slug, c.CreatedAt, c.UpdatedAt}
	},
	Scan: func(scan dal.Scanner) (Category, error) {
		var c Category
		err := scan(&c.TenantID, &c.ID, &c.Name, &c.Slug, &c.CreatedAt, &c.UpdatedAt)
		return c, err
	},
	Touch: func(c *Category, now time.Time, created bool) {
		c.Name = strings.TrimSpace(c.Name)
		c.Slug = Slugify(c.Name)
		if created {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
	},
	Preserve: func(next *Category, prev Category) {
		next.CreatedAt = prev.CreatedAt
	},
	Validate: func(c *Category) error { return shared.ValidateStruct(c) },
}

// ValidateProduct checks tags plus the money rules tags cannot express.
func ValidateProduct(p *Product) error {
	if err := shared.ValidateStruct(p); err != nil {
		return err
	}
	if p.Price.IsNegative() {
		return shared.Invalid("Price", "gte=0")
	}
	if p.Price.Exponent() < -4 {
		return shared.Invalid("Price", "scale<=4")
	}
	return nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its words with dashes.
func Slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
