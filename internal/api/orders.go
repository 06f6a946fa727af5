package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/tillpoint/internal/orders"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shop"
)

type orderStatusRequest struct {
	Status orders.Status `json:"status"`
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, err := h.shop.ListOrders(r.Context(), scopeOf(r), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req shop.PlaceOrderInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	o, err := h.shop.PlaceOrder(r.Context(), scopeOf(r), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.shop.GetOrder(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req orderStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	o, err := h.shop.UpdateOrderStatus(r.Context(), scopeOf(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}
