package shop

import (
	"context"
	"fmt"

	"github.com/tillpoint/tillpoint/internal/cache"
	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/events"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// GetProduct returns one product with its live stock level.
func (s *Service) GetProduct(ctx context.Context, scope *tenancy.Scope, id string) (catalog.Product, error) {
	p, err := cache.Read(ctx, s.cache, scope, cache.EntityKey(dal.KindProduct, id), func(ctx context.Context) (catalog.Product, error) {
		return s.products.Get(ctx, scope, id)
	})
	if err != nil {
		return catalog.Product{}, err
	}
	level, err := s.stock.Level(ctx, scope, id)
	if err != nil {
		return catalog.Product{}, err
	}
	withLevel(&p, level)
	return p, nil
}

// ListProducts returns one page of products with live stock levels.
func (s *Service) ListProducts(ctx context.Context, scope *tenancy.Scope, q dal.Query) (dal.Page[catalog.Product], error) {
	fp, err := dal.Fingerprint(catalog.Products, q)
	if err != nil {
		return dal.Page[catalog.Product]{}, err
	}
	page, err := cache.Read(ctx, s.cache, scope, cache.QueryKey(dal.KindProduct, fp), func(ctx context.Context) (dal.Page[catalog.Product], error) {
		return s.products.List(ctx, scope, q)
	})
	if err != nil {
		return dal.Page[catalog.Product]{}, err
	}
	ids := make([]string, len(page.Items))
	for i, p := range page.Items {
		ids[i] = p.ID
	}
	levels, err := s.stock.Levels(ctx, scope, ids)
	if err != nil {
		return dal.Page[catalog.Product]{}, err
	}
	for i := range page.Items {
		if level, ok := levels[page.Items[i].ID]; ok {
			withLevel(&page.Items[i], level)
		}
	}
	return page, nil
}

func withLevel(p *catalog.Product, level inventory.Level) {
	p.StockQuantity = level.Quantity
	p.Version = level.Version
}

// CreateProduct stores a new product. A positive initialStock is booked as a
// stock_in ledger entry so the ledger replays from zero.
func (s *Service) CreateProduct(ctx context.Context, scope *tenancy.Scope, p catalog.Product, initialStock int64) (catalog.Product, error) {
	if initialStock < 0 {
		return catalog.Product{}, fmt.Errorf("shop: %w: negative initial stock", inventory.ErrInvalidQuantity)
	}
	p.ID = ""
	if err := s.checkCategory(ctx, scope, p.CategoryID); err != nil {
		return catalog.Product{}, err
	}
	created, err := s.products.Write(ctx, scope, &p)
	if err != nil {
		return catalog.Product{}, err
	}
	if err := s.publish(ctx, scope, events.ProductCreated, created.ID, created); err != nil {
		return catalog.Product{}, err
	}
	if initialStock > 0 {
		if _, err := s.stock.AdjustStock(ctx, scope, inventory.Adjustment{
			ProductID: created.ID,
			Delta:     initialStock,
			Type:      inventory.TransactionStockIn,
			Reason:    "initial stock",
		}); err != nil {
			return catalog.Product{}, err
		}
	}
	return s.GetProduct(ctx, scope, created.ID)
}

// UpdateProduct replaces the editable attributes of an existing product.
// Stock is left to the inventory engine.
func (s *Service) UpdateProduct(ctx context.Context, scope *tenancy.Scope, p catalog.Product) (catalog.Product, error) {
	if err := s.checkCategory(ctx, scope, p.CategoryID); err != nil {
		return catalog.Product{}, err
	}
	updated, err := s.products.Update(ctx, scope, &p)
	if err != nil {
		return catalog.Product{}, err
	}
	if err := s.publish(ctx, scope, events.ProductUpdated, updated.ID, updated); err != nil {
		return catalog.Product{}, err
	}
	return s.GetProduct(ctx, scope, updated.ID)
}

// DeleteProduct removes a product. Its ledger stays.
func (s *Service) DeleteProduct(ctx context.Context, scope *tenancy.Scope, id string) error {
	if err := s.products.Delete(ctx, scope, id); err != nil {
		return err
	}
	return s.publish(ctx, scope, events.ProductDeleted, id, nil)
}

func (s *Service) checkCategory(ctx context.Context, scope *tenancy.Scope, id string) error {
	if id == "" {
		return nil
	}
	if _, err := s.GetCategory(ctx, scope, id); err != nil {
		return fmt.Errorf("shop: category %s: %w", id, err)
	}
	return nil
}

// GetCategory returns one category.
func (s *Service) GetCategory(ctx context.Context, scope *tenancy.Scope, id string) (catalog.Category, error) {
	return cache.Read(ctx, s.cache, scope, cache.EntityKey(dal.KindCategory, id), func(ctx context.Context) (catalog.Category, error) {
		return s.categories.Get(ctx, scope, id)
	})
}

// ListCategories returns one page of categories.
func (s *Service) ListCategories(ctx context.Context, scope *tenancy.Scope, q dal.Query) (dal.Page[catalog.Category], error) {
	fp, err := dal.Fingerprint(catalog.Categories, q)
	if err != nil {
		return dal.Page[catalog.Category]{}, err
	}
	return cache.Read(ctx, s.cache, scope, cache.QueryKey(dal.KindCategory, fp), func(ctx context.Context) (dal.Page[catalog.Category], error) {
		return s.categories.List(ctx, scope, q)
	})
}

// SaveCategory creates c when it has no id and updates it otherwise.
func (s *Service) SaveCategory(ctx context.Context, scope *tenancy.Scope, c catalog.Category) (catalog.Category, error) {
	typ := events.CategoryCreated
	var (
		saved catalog.Category
		err   error
	)
	if c.ID == "" {
		saved, err = s.categories.Write(ctx, scope, &c)
	} else {
		typ = events.CategoryUpdated
		saved, err = s.categories.Update(ctx, scope, &c)
	}
	if err != nil {
		return catalog.Category{}, err
	}
	if err := s.publish(ctx, scope, typ, saved.ID, saved); err != nil {
		return catalog.Category{}, err
	}
	return saved, nil
}

// DeleteCategory removes a category.
func (s *Service) DeleteCategory(ctx context.Context, scope *tenancy.Scope, id string) error {
	if err := s.categories.Delete(ctx, scope, id); err != nil {
		return err
	}
	return s.publish(ctx, scope, events.CategoryDeleted, id, nil)
}
