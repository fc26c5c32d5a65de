package scope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_EnterExitOnce(t *testing.T) {
	enters, exits := 0, 0
	g := New(
		func() error { enters++; return nil },
		func(failed bool) error { exits++; return nil },
	)

	require.NoError(t, g.Enter())
	assert.Equal(t, 1, enters)
	require.NoError(t, g.Exit(false))
	assert.Equal(t, 1, exits)
}

func TestGuard_NestedCallbacksFireAtOutermostLevel(t *testing.T) {
	enters, exits := 0, 0
	g := New(
		func() error { enters++; return nil },
		func(failed bool) error { exits++; return nil },
	)

	require.NoError(t, g.Enter())
	require.NoError(t, g.Enter())
	require.NoError(t, g.Enter())
	assert.Equal(t, 1, enters)

	require.NoError(t, g.Exit(false))
	require.NoError(t, g.Exit(false))
	assert.Equal(t, 0, exits, "exit must wait for the outermost level")

	require.NoError(t, g.Exit(false))
	assert.Equal(t, 1, exits)
}

func TestGuard_LazySuppressesNextEnterOnly(t *testing.T) {
	enters, exits := 0, 0
	g := New(
		func() error { enters++; return nil },
		func(failed bool) error { exits++; return nil },
	)

	require.NoError(t, g.Lazy().Enter())
	assert.Equal(t, 0, enters, "lazy entry must not run the enter callback")
	assert.Equal(t, 1, g.Depth())

	// The suppression is one-shot: the next nested Enter runs the callback.
	require.NoError(t, g.Enter())
	assert.Equal(t, 1, enters)

	require.NoError(t, g.Exit(false))
	assert.Equal(t, 0, exits)
	require.NoError(t, g.Exit(false))
	assert.Equal(t, 1, exits, "cleanup still occurs at the lazy outer level")
}

func TestGuard_EnterFailureDoesNotOpenLevel(t *testing.T) {
	boom := errors.New("mount failed")
	exits := 0
	g := New(
		func() error { return boom },
		func(failed bool) error { exits++; return nil },
	)

	assert.ErrorIs(t, g.Enter(), boom)
	assert.Equal(t, 0, g.Depth())
	assert.Equal(t, 0, exits)
}

func TestGuard_FailedFlagReachesExit(t *testing.T) {
	var sawFailed []bool
	g := New(nil, func(failed bool) error {
		sawFailed = append(sawFailed, failed)
		return nil
	})

	require.NoError(t, g.Enter())
	require.NoError(t, g.Exit(true))
	require.NoError(t, g.Enter())
	require.NoError(t, g.Exit(false))

	assert.Equal(t, []bool{true, false}, sawFailed)
}

func TestGuard_ExitErrorPropagates(t *testing.T) {
	boom := errors.New("umount failed")
	g := New(nil, func(failed bool) error { return boom })

	require.NoError(t, g.Enter())
	assert.ErrorIs(t, g.Exit(false), boom)
}

func TestGuard_ExitWithoutEnterPanics(t *testing.T) {
	g := New(nil, nil)
	assert.Panics(t, func() { _ = g.Exit(false) })
}
