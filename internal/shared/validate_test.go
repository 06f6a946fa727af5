package shared

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type signup struct {
	Name  string `validate:"required"`
	Email string `validate:"required,email"`
	Age   int    `validate:"gte=18"`
	Code  string `validate:"len=3"`
}

func TestValidationErrorMessageIsStable(t *testing.T) {
	err := ValidateStruct(signup{Email: "nope", Age: 3, Code: "x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidation))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, FieldErrors{"Name": "required", "Email": "email", "Age": "gte", "Code": "len"}, verr.Fields)

	want := "validation failed: Age: gte, Code: len, Email: email, Name: required"
	for i := 0; i < 20; i++ {
		require.Equal(t, want, err.Error())
	}
}

func TestValidateStructAcceptsValid(t *testing.T) {
	require.NoError(t, ValidateStruct(signup{Name: "Ada", Email: "ada@example.com", Age: 36, Code: "abc"}))
}
