// Package hooks runs the pre/post and mount/umount hook scripts.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for hook execution.
type Service interface {
	RunAll(ctx context.Context, desc string, hooks []models.Hook, args ...string) error
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Impl implements the hooks Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	dir      string // config directory, base for relative script paths
	dryrun   bool
}

// New creates a new hooks service. Relative script paths resolve against dir.
func New(logger zerolog.Logger, dir string, dryrun bool) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		dir:      dir,
		dryrun:   dryrun,
	}
}

// NewWithExecutor creates a new hooks service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, dir string, dryrun bool, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		dir:      dir,
		dryrun:   dryrun,
	}
}

// RunAll runs every hook in order and stops at the first failure. Hook
// failures intentionally propagate to the caller: a failing pre-hook must
// abort the operation it guards.
func (s *Impl) RunAll(ctx context.Context, desc string, hooks []models.Hook, args ...string) error {
	if len(hooks) == 0 {
		if s.dryrun {
			s.logger.Info().Str("hook", desc).Msg("would run (no scripts specified)")
		}
		return nil
	}

	if s.dryrun {
		s.logger.Info().Str("hook", desc).Msg("would run")
	} else {
		s.logger.Debug().Str("hook", desc).Msg("running")
	}

	for _, hook := range hooks {
		if err := s.run(ctx, hook, args); err != nil {
			return fmt.Errorf("%s: %w", desc, err)
		}
	}
	return nil
}

func (s *Impl) run(ctx context.Context, hook models.Hook, args []string) error {
	if hook.Command == "" {
		return nil
	}

	if hook.Shell {
		return s.runShell(ctx, hook.Command, args)
	}
	return s.runScript(ctx, hook.Command, args)
}

func (s *Impl) runShell(ctx context.Context, snippet string, args []string) error {
	if s.dryrun {
		s.logger.Info().Str("shell", snippet).Msg("would run inline hook")
		return nil
	}

	// Positional arguments land in $1.. inside the snippet.
	argv := append([]string{"-c", snippet, "hook"}, args...)
	output, err := s.executor.Execute(ctx, "/bin/sh", argv...)
	if err != nil {
		return fmt.Errorf("inline hook failed: %w, output: %s", err, string(output))
	}
	if len(output) > 0 {
		s.logger.Debug().Str("output", string(output)).Msg("inline hook finished")
	}
	return nil
}

func (s *Impl) runScript(ctx context.Context, script string, args []string) error {
	if !filepath.IsAbs(script) {
		script = filepath.Join(s.dir, script)
	}

	info, err := os.Stat(script)
	if err != nil {
		return fmt.Errorf("hook script %s: %w", script, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("hook script %s exists but is not executable", script)
	}

	if s.dryrun {
		s.logger.Info().Str("script", script).Strs("args", args).Msg("would run hook script")
		return nil
	}

	output, err := s.executor.Execute(ctx, script, args...)
	if err != nil {
		return fmt.Errorf("hook script %s failed: %w, output: %s", script, err, string(output))
	}
	if len(output) > 0 {
		s.logger.Debug().Str("script", script).Str("output", string(output)).Msg("hook script finished")
	}
	return nil
}
