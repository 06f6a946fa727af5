package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/tillpoint/tillpoint/internal/shared"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{name: "no rows", in: pgx.ErrNoRows, want: shared.ErrNotFound},
		{name: "wrapped no rows", in: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: shared.ErrNotFound},
		{name: "unique", in: &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "products_tenant_sku_key"}, want: shared.ErrConstraintViolation},
		{name: "check", in: &pgconn.PgError{Code: pgerrcode.CheckViolation}, want: shared.ErrConstraintViolation},
		{name: "serialization", in: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: shared.ErrConcurrencyConflict},
		{name: "deadlock", in: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, want: shared.ErrConcurrencyConflict},
		{name: "malformed uuid", in: &pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation}, want: shared.ErrValidation},
		{name: "rls", in: &pgconn.PgError{Code: pgerrcode.InsufficientPrivilege}, want: shared.ErrCrossTenantViolation},
		{name: "other", in: &pgconn.PgError{Code: pgerrcode.DiskFull}, want: ErrStore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, MapError(tc.in), tc.want)
		})
	}
}

func TestMapErrorDoesNotLeakDriverError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key value violates unique constraint"}
	mapped := MapError(pgErr)

	var target *pgconn.PgError
	require.False(t, errors.As(mapped, &target))
	require.NotContains(t, mapped.Error(), "violates")
}

func TestMapErrorPassThrough(t *testing.T) {
	require.NoError(t, MapError(nil))
	require.ErrorIs(t, MapError(context.Canceled), context.Canceled)

	plain := errors.New("conn reset")
	mapped := MapError(plain)
	require.ErrorIs(t, mapped, ErrStore)
	require.NotErrorIs(t, mapped, plain)
}
