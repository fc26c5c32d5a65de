package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_Exclusive(t *testing.T) {
	first := New("/tmp/test-repo-exclusive")
	second := New("/tmp/test-repo-exclusive")

	require.NoError(t, first.Acquire())
	defer first.Release()

	// The second acquirer must fail immediately, not block.
	err := second.Acquire()
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestAcquire_Reentrant(t *testing.T) {
	l := New("/tmp/test-repo-reentrant")

	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())

	l.Release()
	assert.True(t, l.Held(), "inner release must not free the lock")

	l.Release()
	assert.False(t, l.Held())

	// Freed for real: a fresh acquirer succeeds now.
	other := New("/tmp/test-repo-reentrant")
	require.NoError(t, other.Acquire())
	other.Release()
}

func TestAcquire_DistinctNames(t *testing.T) {
	a := New("/tmp/test-repo-a")
	b := New("/tmp/test-repo-b")

	require.NoError(t, a.Acquire())
	defer a.Release()

	assert.NoError(t, b.Acquire())
	b.Release()
}

func TestRelease_UnheldPanics(t *testing.T) {
	l := New("/tmp/test-repo-unheld")
	assert.Panics(t, func() { l.Release() })
}

func TestAcquire_ReleasedThenReacquired(t *testing.T) {
	l := New("/tmp/test-repo-cycle")

	require.NoError(t, l.Acquire())
	l.Release()
	require.NoError(t, l.Acquire())
	l.Release()
}
