package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRyvrError_Message(t *testing.T) {
	err := NewError(ErrCodeParse, "unclosed bracket")
	assert.Equal(t, "[PARSE_ERROR] unclosed bracket", err.Error())

	err = NewErrorf(ErrCodeConflict, "output for %q already recorded", "fetch").WithStep("fetch")
	assert.Equal(t, `[CONFLICT] step fetch: output for "fetch" already recorded`, err.Error())
}

func TestRyvrError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrCodeStore, "cannot record").WithCause(cause)

	require.ErrorIs(t, err, cause)

	var re *RyvrError
	require.ErrorAs(t, error(err), &re)
	assert.Equal(t, ErrCodeStore, re.Code)
}

func TestRyvrError_Details(t *testing.T) {
	err := NewError(ErrCodeParse, "bad token").WithDetails(map[string]any{"position": 4})
	assert.Equal(t, 4, err.Details["position"])
	assert.True(t, IsCode(err, ErrCodeParse))
	assert.False(t, IsCode(err, ErrCodeStore))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeParse))
}

func TestIsCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("load fixture: %w", NewError(ErrCodeValidation, "bad output"))
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.False(t, IsCode(nil, ErrCodeValidation))
}
