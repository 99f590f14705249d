package supererror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NilCauseReturnsNilError(t *testing.T) {
	err := New(State, "gossip", nil)
	assert.Nil(t, err)
}

func TestNew_WrapsCauseWithKindAndSubsystem(t *testing.T) {
	cause := errors.New("boom")
	err := New(Transport, "gossip", cause)
	assert.Equal(t, Transport, err.Kind)
	assert.Equal(t, "gossip", err.Subsystem)
	assert.Same(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "gossip")
	assert.Contains(t, err.Error(), "transport")
	assert.Contains(t, err.Error(), "boom")
}

func TestSupError_FatalOnlyForStateAndConfig(t *testing.T) {
	assert.True(t, New(State, "x", errors.New("e")).Fatal())
	assert.True(t, New(Config, "x", errors.New("e")).Fatal())
	assert.False(t, New(Transport, "x", errors.New("e")).Fatal())
	assert.False(t, New(Protocol, "x", errors.New("e")).Fatal())
	assert.False(t, New(Crypto, "x", errors.New("e")).Fatal())
}

func TestSupError_RetryableOnlyForIO(t *testing.T) {
	assert.True(t, New(IO, "x", errors.New("e")).Retryable())
	assert.False(t, New(Transport, "x", errors.New("e")).Retryable())
	assert.False(t, New(Protocol, "x", errors.New("e")).Retryable())
}

func TestSupError_UnwrapSupportsErrorsIs(t *testing.T) {
	cause := errors.New("disk full")
	err := New(IO, "gossipfile", cause)

	var target error = err
	assert.True(t, errors.Is(target, cause))
}
