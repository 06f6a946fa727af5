package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/tillpoint/internal/audit"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

type tenantStatusRequest struct {
	Status tenancy.Status `json:"status"`
}

func (h *Handler) getTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.shop.Tenant(r.Context(), scopeOf(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tenant)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]string
	if err := httpx.DecodeJSON(r, &settings); err != nil {
		h.respondError(w, r, err)
		return
	}
	tenant, err := h.shop.UpdateSettings(r.Context(), scopeOf(r), settings)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tenant)
}

func (h *Handler) setTenantStatus(w http.ResponseWriter, r *http.Request) {
	var req tenantStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.shop.SetTenantStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// securityEvents lists violations attempted from the request tenant.
func (h *Handler) securityEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "security events are not recorded")
		return
	}
	values := r.URL.Query()
	filters := audit.TimelineFilters{
		TenantID: scopeOf(r).TenantID(),
		Kind:     values.Get("kind"),
	}
	var err error
	if filters.From, err = parseTime(values.Get("from")); err != nil {
		h.respondError(w, r, err)
		return
	}
	if filters.To, err = parseTime(values.Get("to")); err != nil {
		h.respondError(w, r, err)
		return
	}
	filters.Page, _ = strconv.Atoi(values.Get("page"))
	filters.PageSize, _ = strconv.Atoi(values.Get("page_size"))

	result, err := h.audit.Timeline(r.Context(), filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if values.Get("format") == "csv" {
		body, err := audit.WriteCSV(result.Rows)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="security-events.csv"`)
		_, _ = w.Write(body)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, shared.Invalid("from/to", "rfc3339")
	}
	return t, nil
}
