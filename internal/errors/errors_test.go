package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapError_KeepsOriginalType(t *testing.T) {
	base := NewTimeoutError("runway polling exhausted", nil)

	wrapped := WrapError(base, "video generation", ErrorTypeError)

	assert.True(t, IsTimeoutError(wrapped))
	assert.Equal(t, "TIMEOUT", wrapped.(*AppError).Code)
	assert.Contains(t, wrapped.Error(), "video generation")
}

func TestWrapError_PlainError(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	wrapped := WrapError(cause, "groq request", ErrorTypeProvider)

	assert.True(t, IsProviderError(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Nil(t, WrapError(nil, "nothing", ErrorTypeError))
}

func TestTypeOf_ThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewConflictError("duplicate", nil))

	assert.Equal(t, ErrorTypeConflict, TypeOf(err))
	assert.True(t, IsConflictError(err))
	assert.False(t, IsNotFoundError(err))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))
}
