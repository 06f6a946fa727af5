package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tillpoint/tillpoint/internal/dal"
	"github.com/tillpoint/tillpoint/internal/inventory"
	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shared"
	"github.com/tillpoint/tillpoint/internal/tenancy"
)

// respondError writes the problem response for err and returns its status.
func respondError(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, dal.ErrInvalidFilter), errors.Is(err, inventory.ErrInvalidQuantity):
		httpx.RespondError(w, fmt.Errorf("%w: %v", shared.ErrValidation, err))
		return http.StatusBadRequest
	case errors.Is(err, tenancy.ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
		return http.StatusConflict
	}
	rec := &statusWriter{ResponseWriter: w}
	httpx.RespondError(rec, err)
	return rec.status
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
