package utils

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type voteBody struct {
	Decision *bool  `json:"decision" validate:"required"`
	Comment  string `json:"comment" validate:"max=10"`
	Priority string `json:"priority" validate:"omitempty,oneof=baja media alta critica"`
}

func TestValidateStruct(t *testing.T) {
	approve := true

	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(&voteBody{Decision: &approve, Priority: "alta"})
		assert.NoError(t, err)
	})

	t.Run("missing required field uses json name", func(t *testing.T) {
		err := ValidateStruct(&voteBody{})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "decision is required", fields["decision"])
	})

	t.Run("too long", func(t *testing.T) {
		err := ValidateStruct(&voteBody{Decision: &approve, Comment: "far too long for this"})
		require.Error(t, err)
		assert.Equal(t, "comment must be at most 10", GetValidationFields(err)["comment"])
	})

	t.Run("not one of", func(t *testing.T) {
		err := ValidateStruct(&voteBody{Decision: &approve, Priority: "urgent"})
		require.Error(t, err)
		assert.Equal(t, "priority must be one of: baja media alta critica", GetValidationFields(err)["priority"])
	})
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Message: "Validation failed"}
	assert.Equal(t, "Validation failed", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{}))
	assert.False(t, IsValidationError(errors.New("plain")))
	assert.Nil(t, GetValidationFields(errors.New("plain")))
}

func TestParseUUID(t *testing.T) {
	id := uuid.New()

	got, err := ParseUUID(" "+id.String()+" ", "id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseUUID("not-a-uuid", "id")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, GetValidationFields(err), "id")
}

func TestParseUUIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	ids, err := ParseUUIDs([]string{a.String(), b.String()}, "member_ids")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)

	_, err = ParseUUIDs([]string{a.String(), "bad"}, "member_ids")
	require.Error(t, err)
	assert.Contains(t, GetValidationFields(err), "member_ids[1]")
}
