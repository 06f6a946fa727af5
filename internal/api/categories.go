package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/tillpoint/internal/catalog"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
)

type categoryRequest struct {
	Name string `json:"name"`
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	page, err := h.shop.ListCategories(r.Context(), scopeOf(r), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	h.saveCategory(w, r, "", http.StatusCreated)
}

func (h *Handler) updateCategory(w http.ResponseWriter, r *http.Request) {
	h.saveCategory(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

func (h *Handler) saveCategory(w http.ResponseWriter, r *http.Request, id string, status int) {
	var req categoryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	c, err := h.shop.SaveCategory(r.Context(), scopeOf(r), catalog.Category{ID: id, Name: req.Name})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, status, c)
}

func (h *Handler) getCategory(w http.ResponseWriter, r *http.Request) {
	c, err := h.shop.GetCategory(r.Context(), scopeOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) deleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := h.shop.DeleteCategory(r.Context(), scopeOf(r), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
