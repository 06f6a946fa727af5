package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tillpoint/tillpoint/internal/app"
	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/shop"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

type seedProduct struct {
	sku, name, price string
	stock, min       int64
}

type seedTenant struct {
	id, name, currency string
	categories         []string
	products           []seedProduct
}

var demo = []seedTenant{
	{
		id: "8d6f1d2e-8c1f-4c7a-9b0e-0a1f2b3c4d5e", name: "Acme Coffee", currency: "USD",
		categories: []string{"Beans", "Equipment"},
		products: []seedProduct{
			{sku: "BEAN-ETH-250", name: "Ethiopia Yirgacheffe 250g", price: "14.50", stock: 40, min: 10},
			{sku: "BEAN-COL-1K", name: "Colombia Supremo 1kg", price: "38.00", stock: 12, min: 5},
			{sku: "EQ-V60", name: "V60 Dripper", price: "24.00", stock: 6, min: 2},
		},
	},
	{
		id: "1b2c3d4e-5f60-4718-8293-a4b5c6d7e8f9", name: "Globex Books", currency: "EUR",
		categories: []string{"Fiction"},
		products: []seedProduct{
			{sku: "BK-0001", name: "The Long Afternoon", price: "18.90", stock: 25, min: 5},
		},
	},
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	rt, err := app.NewRuntime(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init runtime: %v", err)
	}
	defer func() { _ = rt.Close() }()

	dir := tenancy.NewPostgresDirectory(rt.Pool)
	for _, t := range demo {
		fmt.Printf("→ Seeding %s...\n", t.name)
		if err := seed(ctx, dir, rt.Shop, t); err != nil {
			log.Fatalf("seed %s: %v", t.name, err)
		}
	}
	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seed(ctx context.Context, dir *tenancy.PostgresDirectory, svc *shop.Service, t seedTenant) error {
	err := dir.Create(ctx, tenancy.Tenant{ID: t.id, Name: t.name, Status: tenancy.StatusActive})
	if err != nil && !errors.Is(err, shared.ErrConstraintViolation) {
		return err
	}
	return svc.WithScope(ctx, t.id, func(ctx context.Context, scope *tenancy.Scope) error {
		if _, err := svc.UpdateSettings(ctx, scope, map[string]string{shop.SettingCurrency: t.currency}); err != nil {
			return err
		}
		var categoryID string
		for _, name := range t.categories {
			c, err := svc.SaveCategory(ctx, scope, catalog.Category{Name: name})
			if errors.Is(err, shared.ErrConstraintViolation) {
				continue
			}
			if err != nil {
				return err
			}
			if categoryID == "" {
				categoryID = c.ID
			}
		}
		for _, p := range t.products {
			_, err := svc.CreateProduct(ctx, scope, catalog.Product{
				SKU:           p.sku,
				Name:          p.name,
				CategoryID:    categoryID,
				Price:         decimal.RequireFromString(p.price),
				MinStockLevel: p.min,
			}, p.stock)
			if errors.Is(err, shared.ErrConstraintViolation) {
				continue
			}
			if err != nil {
				return fmt.Errorf("product %s: %w", p.sku, err)
			}
		}
		return nil
	})
}
