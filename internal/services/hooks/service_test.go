package hooks

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	calls [][]string
	fail  bool
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	if m.fail {
		return []byte("boom"), errors.New("exit status 1")
	}
	return nil, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func writeScript(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode))
	return path
}

func TestRunAll_Empty(t *testing.T) {
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), t.TempDir(), false, executor)

	err := svc.RunAll(context.Background(), "pre-backup script", nil)

	assert.NoError(t, err)
	assert.Empty(t, executor.calls)
}

func TestRunAll_InlineShell(t *testing.T) {
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), t.TempDir(), false, executor)

	hooks := []models.Hook{{Command: "echo hi", Shell: true}}
	err := svc.RunAll(context.Background(), "pre-backup script", hooks, "0")

	require.NoError(t, err)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi", "hook", "0"}, executor.calls[0])
}

func TestRunAll_ExternalScriptRelativeToDir(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "pre.sh", 0o755)
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), dir, false, executor)

	err := svc.RunAll(context.Background(), "pre-backup script", []models.Hook{{Command: "pre.sh"}})

	require.NoError(t, err)
	require.Len(t, executor.calls, 1)
	assert.Equal(t, filepath.Join(dir, "pre.sh"), executor.calls[0][0])
}

func TestRunAll_ScriptNotExecutable(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "pre.sh", 0o644)
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), dir, false, executor)

	err := svc.RunAll(context.Background(), "pre-backup script", []models.Hook{{Command: "pre.sh"}})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")
	assert.Empty(t, executor.calls)
}

func TestRunAll_ScriptMissing(t *testing.T) {
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), t.TempDir(), false, executor)

	err := svc.RunAll(context.Background(), "pre-backup script", []models.Hook{{Command: "nope.sh"}})

	assert.Error(t, err)
	assert.Empty(t, executor.calls)
}

func TestRunAll_FailureStopsRemainingHooks(t *testing.T) {
	executor := &mockExecutor{fail: true}
	svc := NewWithExecutor(testLogger(), t.TempDir(), false, executor)

	hooks := []models.Hook{
		{Command: "exit 1", Shell: true},
		{Command: "echo never", Shell: true},
	}
	err := svc.RunAll(context.Background(), "pre-backup script", hooks)

	assert.Error(t, err)
	assert.Len(t, executor.calls, 1)
}

func TestRunAll_DryRunResolvesPathsWithoutRunning(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "pre.sh", 0o755)
	executor := &mockExecutor{}
	svc := NewWithExecutor(testLogger(), dir, true, executor)

	hooks := []models.Hook{{Command: "pre.sh"}, {Command: "echo hi", Shell: true}}
	err := svc.RunAll(context.Background(), "pre-backup script", hooks)

	require.NoError(t, err)
	assert.Empty(t, executor.calls)

	// Dry run still surfaces a broken script path.
	err = svc.RunAll(context.Background(), "pre-backup script", []models.Hook{{Command: "missing.sh"}})
	assert.Error(t, err)
}
