package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "pid 7 unknown")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindBusy))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := New(KindBusy, "p1 is running")
	b := New(KindBusy, "different message")
	require.True(t, errors.Is(a, b))

	c := New(KindNotFound, "")
	require.False(t, errors.Is(a, c))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("exec: no such file")
	err := Wrap(KindScriptLoadError, "failed to resolve script", cause)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindScriptLoadError, KindOf(err))
}

func TestWithStacktrace(t *testing.T) {
	err := WithStacktrace(KindScriptExecutionError, "boom", "goroutine 1 [running]:\nmain.main()")
	assert.Contains(t, err.Stacktrace, "goroutine 1")
	assert.Equal(t, "boom", err.Message)
}
