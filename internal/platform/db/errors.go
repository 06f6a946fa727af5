package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// ErrStore wraps store failures that have no domain meaning. The driver error is
// kept out of the chain so callers cannot depend on it.
var ErrStore = errors.New("store error")

// MapError translates driver errors into the shared error taxonomy.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.ErrNotFound
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %s", ErrStore, err.Error())
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: duplicate value for %s", shared.ErrConstraintViolation, pgErr.ConstraintName)
	case pgerrcode.CheckViolation:
		return fmt.Errorf("%w: check %s failed", shared.ErrConstraintViolation, pgErr.ConstraintName)
	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%w: reference %s missing", shared.ErrConstraintViolation, pgErr.ConstraintName)
	case pgerrcode.NotNullViolation:
		return fmt.Errorf("%w: column %s required", shared.ErrConstraintViolation, pgErr.ColumnName)
	case pgerrcode.InvalidTextRepresentation:
		return fmt.Errorf("%w: malformed value", shared.ErrValidation)
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return fmt.Errorf("%w: transaction conflict", shared.ErrConcurrencyConflict)
	case pgerrcode.InsufficientPrivilege:
		// Row level security rejected the statement.
		return fmt.Errorf("%w: row security policy", shared.ErrCrossTenantViolation)
	default:
		return fmt.Errorf("%w: postgres %s", ErrStore, pgErr.Code)
	}
}
