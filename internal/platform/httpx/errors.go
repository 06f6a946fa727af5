package httpx

import (
	"errors"
	"net/http"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// RetryAfterSeconds is advertised on concurrency conflicts.
const RetryAfterSeconds = "1"

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Detail: err.Error(),
			Errors: verr.Fields,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidTenant):
		Problem(w, http.StatusForbidden, "Invalid Tenant", err.Error())
	case errors.Is(err, shared.ErrReadOnlyScope):
		Problem(w, http.StatusForbidden, "Read Only", err.Error())
	case errors.Is(err, shared.ErrCrossTenantViolation):
		// The owner of the row is never disclosed.
		Problem(w, http.StatusForbidden, "Forbidden", "")
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrConstraintViolation):
		Problem(w, http.StatusConflict, "Constraint Violation", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
