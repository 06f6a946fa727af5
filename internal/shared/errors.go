package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTenant indicates a missing, malformed, unknown or inactive tenant.
	ErrInvalidTenant = errors.New("invalid tenant")
	// ErrReadOnlyScope is returned for writes under a suspended tenant's read-only scope.
	ErrReadOnlyScope = errors.New("tenant scope is read-only")
	// ErrCrossTenantViolation indicates an attempt to touch a row owned by another tenant.
	ErrCrossTenantViolation = errors.New("cross-tenant violation")
	// ErrConstraintViolation indicates a rejected business constraint such as a duplicate SKU.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrInsufficientStock indicates a decrement below zero without backorder.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrencyConflict is retryable by the caller.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrCacheUnavailable marks shared cache tier failures. It never leaves the cache layer.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation failed")
)
