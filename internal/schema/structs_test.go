package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signup struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role,omitempty" validate:"omitempty,oneof=nurse patient"`
}

func TestValidateStructUsesJSONNames(t *testing.T) {
	err := ValidateStruct("users", signup{Email: "bad", Role: "admin"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["name"])
	assert.Equal(t, "email", verr.Fields["email"])
	assert.Equal(t, "oneof=nurse patient", verr.Fields["role"])

	assert.NoError(t, ValidateStruct("users", signup{Name: "A", Email: "a@b.co"}))
}
