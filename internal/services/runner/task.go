package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/scope"
	"github.com/fgeck/goborg-homelab/internal/services/borg"
	"github.com/fgeck/goborg-homelab/internal/services/hooks"
	"github.com/rs/zerolog"
)

// archiveTimeFormat is the timestamp appended to the archive prefix when a
// new archive is created.
const archiveTimeFormat = "2006-01-02_15:04:05"

// Task is one configured backup job: a set of source paths, its owning
// Repository, retention specs and pre/post hooks. Entering a Task enters
// its Repository first, then its own hook scope.
type Task struct {
	cfg      *models.TaskConfig
	repo     *Repository
	guard    *scope.Guard
	borgSvc  borg.Service
	hooks    hooks.Service
	logger   zerolog.Logger
	hostname string

	opCtx context.Context

	disabledOnce sync.Once
}

func newTask(
	cfg *models.TaskConfig,
	repo *Repository,
	borgSvc borg.Service,
	hooksSvc hooks.Service,
	logger zerolog.Logger,
	hostname string,
) *Task {
	t := &Task{
		cfg:      cfg,
		repo:     repo,
		borgSvc:  borgSvc,
		hooks:    hooksSvc,
		logger:   logger.With().Str("task", cfg.Name).Logger(),
		hostname: hostname,
	}
	t.guard = scope.New(
		func() error {
			return t.hooks.RunAll(t.opCtx, fmt.Sprintf("pre hook for task %s", cfg.Name), cfg.Pre)
		},
		func(failed bool) error {
			return t.hooks.RunAll(t.opCtx, fmt.Sprintf("post hook for task %s", cfg.Name),
				cfg.Post, boolArg(failed))
		},
	)
	return t
}

// Name returns the task's configured name.
func (t *Task) Name() string {
	return t.cfg.Name
}

// Enabled reports whether this task takes part in backup runs.
func (t *Task) Enabled() bool {
	return t.cfg.Enabled
}

// Repository returns the task's owning repository.
func (t *Task) Repository() *Repository {
	return t.repo
}

// LogDisabled logs the disabled notice, once per process no matter how many
// operations are skipped.
func (t *Task) LogDisabled() {
	t.disabledOnce.Do(func() {
		t.logger.Debug().Msg("task disabled, set 'enabled' to true in its config section to change this")
	})
}

// ArchivePrefix returns the archive name prefix with the {hostname}
// placeholder resolved.
func (t *Task) ArchivePrefix() string {
	return strings.ReplaceAll(t.cfg.Prefix, "{hostname}", t.hostname)
}

// Enter opens one task scope: the owning repository first, then the task's
// pre hooks. The lazy flag defers both hook levels to the next nested Enter.
// Disabled tasks are a no-op.
func (t *Task) Enter(ctx context.Context, lazy bool) error {
	if !t.cfg.Enabled {
		t.LogDisabled()
		return nil
	}

	if err := t.repo.Enter(ctx, lazy); err != nil {
		return err
	}

	t.opCtx = ctx
	if lazy {
		t.guard.Lazy()
	}
	if err := t.guard.Enter(); err != nil {
		// The repository scope was already opened, undo it.
		if exitErr := t.repo.Exit(ctx, true); exitErr != nil {
			return errors.Join(err, exitErr)
		}
		return err
	}
	return nil
}

// Exit closes one task scope: post hooks first, repository scope second.
// Hook failures propagate, but inner scopes always unwind.
func (t *Task) Exit(ctx context.Context, failed bool) error {
	if !t.cfg.Enabled {
		return nil
	}

	t.opCtx = ctx
	err := t.guard.Exit(failed)
	if repoErr := t.repo.Exit(ctx, failed || err != nil); repoErr != nil {
		err = errors.Join(err, repoErr)
	}
	return err
}

// Create backs the task's sources up into a new archive named
// prefix-timestamp. Include/exclude side files are read now, not at load
// time, so a disabled task never touches them.
func (t *Task) Create(ctx context.Context, progress models.ProgressFunc) error {
	if !t.cfg.Enabled {
		t.LogDisabled()
		return nil
	}

	includes, excludes, err := t.loadPatterns()
	if err != nil {
		return err
	}

	archive := t.ArchivePrefix() + "-" + time.Now().Format(archiveTimeFormat)
	t.logger.Info().Str("archive", archive).Msg("creating archive")

	if err := t.Enter(ctx, false); err != nil {
		return err
	}
	createErr := t.borgSvc.Create(ctx, t.repo.Borg(), borg.CreateOptions{
		Archive:  archive,
		Includes: includes,
		Excludes: excludes,
		Stats:    true,
	}, progress)
	if exitErr := t.Exit(ctx, createErr != nil); exitErr != nil {
		createErr = errors.Join(createErr, exitErr)
	}
	return createErr
}

// Prune applies every retention spec in order, one borg prune per spec,
// restricted to archives carrying this task's prefix.
func (t *Task) Prune(ctx context.Context) error {
	if !t.cfg.Enabled {
		t.LogDisabled()
		return nil
	}

	if err := t.Enter(ctx, false); err != nil {
		return err
	}
	var pruneErr error
	for _, keep := range t.cfg.Keep {
		if pruneErr = t.borgSvc.Prune(ctx, t.repo.Borg(), borg.PruneOptions{
			Keep:   keep,
			Prefix: t.ArchivePrefix() + "-",
		}); pruneErr != nil {
			break
		}
	}
	if exitErr := t.Exit(ctx, pruneErr != nil); exitErr != nil {
		pruneErr = errors.Join(pruneErr, exitErr)
	}
	return pruneErr
}

// loadPatterns merges the inline include list with the include/exclude side
// files. In an include file, lines starting with "- " name excludes; an
// exclude file contains only excludes. A configured path prefix re-roots
// every pattern under it.
func (t *Task) loadPatterns() (includes, excludes []string, err error) {
	includes = append(includes, t.cfg.Includes...)

	if t.cfg.IncludeFile != "" {
		data, err := os.ReadFile(t.cfg.IncludeFile)
		if err != nil {
			return nil, nil, fmt.Errorf("task %s: %w", t.cfg.Name, err)
		}
		for _, line := range splitLines(data) {
			if rest, ok := strings.CutPrefix(line, "- "); ok {
				excludes = append(excludes, rest)
			} else {
				includes = append(includes, line)
			}
		}
	}

	if t.cfg.ExcludeFile != "" {
		data, err := os.ReadFile(t.cfg.ExcludeFile)
		if err != nil {
			return nil, nil, fmt.Errorf("task %s: %w", t.cfg.Name, err)
		}
		excludes = append(excludes, splitLines(data)...)
	}

	for _, p := range includes {
		if !filepath.IsAbs(p) {
			return nil, nil, fmt.Errorf("task %s: include path %q is not absolute", t.cfg.Name, p)
		}
	}
	for _, p := range excludes {
		if !filepath.IsAbs(p) {
			return nil, nil, fmt.Errorf("task %s: exclude path %q is not absolute", t.cfg.Name, p)
		}
	}

	if t.cfg.PathPrefix != "" {
		if !filepath.IsAbs(t.cfg.PathPrefix) {
			return nil, nil, fmt.Errorf("task %s: path prefix %q is not absolute", t.cfg.Name, t.cfg.PathPrefix)
		}
		for i, p := range includes {
			includes[i] = filepath.Join(t.cfg.PathPrefix, strings.TrimPrefix(p, "/"))
		}
		for i, p := range excludes {
			excludes[i] = filepath.Join(t.cfg.PathPrefix, strings.TrimPrefix(p, "/"))
		}
	}

	return includes, excludes, nil
}

// splitLines splits file content into trimmed, non-empty lines.
func splitLines(data []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
