package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := E(NotFound, "get results/task-1.blob", errors.New("no such key"))
	assert.True(t, Is(NotFound, err))
	assert.False(t, Is(Transient, err))
}

func TestIsThroughWrap(t *testing.T) {
	inner := E(PreconditionFailed, "put status", errors.New("etag mismatch"))
	outer := E(Fatal, "claim protocol", inner)

	// outer is Fatal, and Is reports only that outermost Kind; the wrapped
	// inner Kind is still reachable with errors.As when callers walk the
	// chain themselves.
	assert.True(t, Is(Fatal, outer))
	var unwrapped *Error
	assert.True(t, errors.As(outer.Err, &unwrapped))
	assert.Equal(t, PreconditionFailed, unwrapped.Kind)
}

func TestKindOfDefaultsToOther(t *testing.T) {
	assert.Equal(t, Other, KindOf(errors.New("plain")))
}

func TestErrorStringIncludesContext(t *testing.T) {
	err := E(LaunchRejected, "RunTask cluster=prod", errors.New("capacity unavailable"))
	msg := err.Error()
	assert.Contains(t, msg, "launch_rejected")
	assert.Contains(t, msg, "RunTask cluster=prod")
	assert.Contains(t, msg, "capacity unavailable")
}
