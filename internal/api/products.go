package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
)

type productFields struct {
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	CategoryID     string          `json:"category_id"`
	Price          decimal.Decimal `json:"price"`
	MinStockLevel  int64           `json:"min_stock_level"`
	AllowBackorder bool            `json:"allow_backorder"`
}

func (f productFields) product(id string) catalog.Product {
	return catalog.Product{
		ID:             id,
		SKU:            f.SKU,
		Name:           f.Name,
		Description:    f.Description,
		CategoryID:     f.CategoryID,
		Price:          f.Price,
		MinStockLevel:  f.MinStockLevel,
		AllowBackorder: f.AllowBackorder,
	}
}

type createProductRequest struct {
	productFields
	InitialStock int64 `json:"initial_stock"`
}

type adjustStockRequest struct {
	Delta     int64                     `json:"delta"`
	Type      inventory.TransactionType `json:"type"`
	Reason    string                    `json:"reason"`
	Reference string                    `json:"reference"`
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, err := h.shop.ListProducts(r.Context(), scopeOf(r), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	p, err := h.shop.CreateProduct(r.Context(), scopeOf(r), req.product(""), req.InitialStock)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.shop.GetProduct(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var req productFields
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	p, err := h.shop.UpdateProduct(r.Context(), scopeOf(r), req.product(chi.URLParam(r, "id")))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.shop.DeleteProduct(r.Context(), scopeOf(r), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stockLevel(w http.ResponseWriter, r *http.Request) {
	level, err := h.shop.StockLevel(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.shop.AdjustStock(r.Context(), scopeOf(r), inventory.Adjustment{
		ProductID: chi.URLParam(r, "id"),
		Delta:     req.Delta,
		Type:      req.Type,
		Reason:    req.Reason,
		Reference: req.Reference,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) stockHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := h.shop.StockHistory(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if txs == nil {
		txs = []inventory.Transaction{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": txs})
}
