// Package runner orchestrates repositories, tasks, hooks and the borg
// supervisor into guarded backup operations.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/goborg-homelab/internal/lock"
	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/services/borg"
	"github.com/fgeck/goborg-homelab/internal/services/hooks"
	"github.com/fgeck/goborg-homelab/internal/services/ssh"
	"github.com/fgeck/goborg-homelab/internal/services/wol"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// umountRetryDelay is the pause between unmount attempts while the FUSE
// mountpoint is still busy.
const umountRetryDelay = 2 * time.Second

// Service defines the interface for the backup orchestrator.
type Service interface {
	Create(ctx context.Context, taskNames []string, progress models.ProgressFunc) error
	Check(ctx context.Context, byRepo bool, items []string, progress models.ProgressFunc) error
	Mount(ctx context.Context, args MountArgs) error
	List(ctx context.Context, item string, byRepo bool) (*models.ListResult, error)
}

// MountArgs selects what to mount and where.
type MountArgs struct {
	// Item names a task, or with ByRepo a repository, optionally as
	// "repo::prefix".
	Item       string
	ByRepo     bool
	Mountpoint string
	// All mounts the whole repository instead of the last archive.
	All bool
	// Stop aborts the unmount retry loop after a cancelled mount. When nil
	// the loop runs until the mountpoint unmounts.
	Stop <-chan struct{}
}

// Impl implements the runner Service interface.
type Impl struct {
	borgSvc  borg.Service
	hooksSvc hooks.Service
	wolSvc   wol.Service
	sshSvc   ssh.Service
	logger   zerolog.Logger

	repos map[string]*Repository
	tasks map[string]*Task
}

// New creates a new runner from a parsed configuration. Relative hook paths
// resolve against confDir.
func New(logger zerolog.Logger, cfg *models.Config, confDir string, dryrun bool) (*Impl, error) {
	borgSvc := borg.New(logger, dryrun)
	if cfg.Verbose {
		borgSvc.SetVerbosity(borg.VerbosityDebug)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	return NewWithServices(
		logger,
		cfg,
		borgSvc,
		hooks.New(logger, confDir, dryrun),
		wol.New(logger),
		ssh.New(logger),
		hostname,
		dryrun,
	), nil
}

// NewWithServices creates a new runner with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	cfg *models.Config,
	borgSvc borg.Service,
	hooksSvc hooks.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	hostname string,
	dryrun bool,
) *Impl {
	s := &Impl{
		borgSvc:  borgSvc,
		hooksSvc: hooksSvc,
		wolSvc:   wolSvc,
		sshSvc:   sshSvc,
		logger:   logger,
		repos:    make(map[string]*Repository),
		tasks:    make(map[string]*Task),
	}

	// Names are stored lowercased and looked up lowercased, matching the
	// case folding the config loader applies to section keys.
	for name, repoCfg := range cfg.Repositories {
		s.repos[strings.ToLower(name)] = newRepository(repoCfg, hooksSvc, wolSvc, sshSvc, logger, dryrun)
	}
	for name, taskCfg := range cfg.Tasks {
		// Config loading guarantees the repository reference resolves.
		repo := s.repos[strings.ToLower(taskCfg.Repository)]
		s.tasks[strings.ToLower(name)] = newTask(taskCfg, repo, borgSvc, hooksSvc, logger, hostname)
	}
	return s
}

// Create runs a backup for each named task (all tasks when none are named):
// a borg create followed by one prune per retention spec, inside one lazy
// task scope so pre hooks run once around both. One task's failure is
// logged and reflected in the returned error, but does not stop its
// siblings.
func (s *Impl) Create(ctx context.Context, taskNames []string, progress models.ProgressFunc) error {
	tasks, err := s.tasksFor(taskNames)
	if err != nil {
		return err
	}

	var errs []error
	failedRepos := make(map[string]bool)
	involved := make([]*Repository, 0, len(tasks))

	for _, task := range tasks {
		if !task.Enabled() {
			task.LogDisabled()
			continue
		}
		involved = appendRepo(involved, task.Repository())

		s.logger.Info().Str("task", task.Name()).Msg("backing up")
		if err := s.runBackup(ctx, task, progress); err != nil {
			s.logTaskFailure(task, err)
			failedRepos[task.Repository().Name()] = true
			errs = append(errs, fmt.Errorf("task %s: %w", task.Name(), err))
			continue
		}
		s.logger.Info().Str("task", task.Name()).Msg("done backing up")
	}

	// Shut repository hosts down only when every task touching them
	// succeeded.
	for _, repo := range involved {
		if failedRepos[repo.Name()] {
			continue
		}
		if err := repo.ShutdownHost(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// runBackup drives create-then-prune for one task inside a lazy outer
// scope. Laziness defers the hooks to the create step, while cleanup still
// happens here after the prune.
func (s *Impl) runBackup(ctx context.Context, task *Task, progress models.ProgressFunc) error {
	if err := task.Enter(ctx, true); err != nil {
		return err
	}

	runErr := task.Create(ctx, progress)
	if runErr == nil {
		runErr = task.Prune(ctx)
	}

	if exitErr := task.Exit(ctx, runErr != nil); exitErr != nil {
		runErr = errors.Join(runErr, exitErr)
	}
	return runErr
}

func (s *Impl) logTaskFailure(task *Task, err error) {
	switch {
	case errors.Is(err, lock.ErrLockHeld):
		s.logger.Error().Str("task", task.Name()).
			Str("repository", task.Repository().Name()).
			Msg("another process is accessing the repository, skipping")
	case errors.Is(err, borg.ErrCancelled):
		s.logger.Warn().Str("task", task.Name()).Msg("backup cancelled")
	default:
		s.logger.Error().Err(err).Str("task", task.Name()).Msg("backup failed, you should investigate")
	}
}

// Check verifies repository consistency. Items name repositories directly
// (byRepo) or tasks whose repositories are checked; with no items every
// repository is checked. Failures are isolated per repository.
func (s *Impl) Check(ctx context.Context, byRepo bool, items []string, progress models.ProgressFunc) error {
	repos, err := s.reposFor(byRepo, items)
	if err != nil {
		return err
	}

	var errs []error
	for _, repo := range repos {
		s.logger.Info().Str("repository", repo.Name()).Msg("checking repository")
		if err := s.checkRepo(ctx, repo, progress); err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				s.logger.Error().Str("repository", repo.Name()).
					Msg("another process is accessing the repository, skipping check")
			} else {
				s.logger.Error().Err(err).Str("repository", repo.Name()).Msg("check failed")
			}
			errs = append(errs, fmt.Errorf("repository %s: %w", repo.Name(), err))
			continue
		}
		s.logger.Info().Str("repository", repo.Name()).Msg("done checking")
	}
	return errors.Join(errs...)
}

func (s *Impl) checkRepo(ctx context.Context, repo *Repository, progress models.ProgressFunc) error {
	if err := repo.Enter(ctx, false); err != nil {
		return err
	}
	checkErr := s.borgSvc.Check(ctx, repo.Borg(), borg.CheckOptions{}, progress)
	if exitErr := repo.Exit(ctx, checkErr != nil); exitErr != nil {
		checkErr = errors.Join(checkErr, exitErr)
	}
	return checkErr
}

// Mount mounts the last matching archive (or with All the whole repository)
// at the given mountpoint, in the foreground. When the user interrupts the
// foreground mount, the mountpoint is unmounted with retries until the FUSE
// driver lets go, so the repository's umount hooks run against a clean
// mountpoint.
func (s *Impl) Mount(ctx context.Context, args MountArgs) error {
	repo, prefix, err := s.mountTarget(args.Item, args.ByRepo)
	if err != nil {
		return err
	}
	if args.All && prefix != "" {
		return &borg.InvalidOptionsError{
			Reason: "mounting the whole repository cannot be combined with an archive prefix",
		}
	}

	if err := repo.Enter(ctx, false); err != nil {
		return err
	}
	mountErr := s.mountLocked(ctx, repo, prefix, args)
	if exitErr := repo.Exit(ctx, mountErr != nil); exitErr != nil {
		mountErr = errors.Join(mountErr, exitErr)
	}
	return mountErr
}

func (s *Impl) mountLocked(ctx context.Context, repo *Repository, prefix string, args MountArgs) error {
	var archive string
	if !args.All {
		s.logger.Info().Str("repository", repo.Name()).Str("prefix", prefix).
			Msg("searching for the last archive")
		result, err := s.borgSvc.List(ctx, repo.Borg(), borg.ListOptions{
			Filter: borg.FilterOptions{Prefix: prefix, Last: 1},
		})
		if err != nil {
			return err
		}
		if len(result.Archives) == 0 {
			return fmt.Errorf("no archive with prefix %q in repository %s", prefix, repo.Name())
		}
		archive = result.Archives[len(result.Archives)-1].Name
		s.logger.Info().Str("archive", archive).Msg("selected archive")
	}

	// Borg normally daemonizes and exits on unmount. The umount hooks must
	// run after the FUSE driver is gone, so the mount stays in the
	// foreground and this call blocks until unmount or interrupt.
	err := s.borgSvc.Mount(ctx, repo.Borg(), borg.MountOptions{
		Archive:    archive,
		Mountpoint: args.Mountpoint,
		Foreground: true,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, borg.ErrCancelled) {
		return err
	}

	if umountErr := s.unmountWithRetry(ctx, repo, args.Mountpoint, args.Stop); umountErr != nil {
		return umountErr
	}
	s.logger.Info().Msg("done unmounting, the FUSE driver has exited")
	return nil
}

// unmountWithRetry unmounts after an interrupted foreground mount. The
// mountpoint can stay busy for a moment after the interrupt, and a busy
// umount surfaces as a plain exit-status error, so every failure is
// retried until the unmount succeeds or the stop channel fires.
func (s *Impl) unmountWithRetry(ctx context.Context, repo *Repository, mountpoint string, stop <-chan struct{}) error {
	// The surrounding context is already cancelled at this point; the
	// unmount must still run.
	umountCtx := context.WithoutCancel(ctx)
	if stop == nil {
		stop = make(chan struct{})
	}

	return retry.Call(retry.CallArgs{
		Func: func() error {
			return s.borgSvc.Umount(umountCtx, repo.Borg(), mountpoint)
		},
		NotifyFunc: func(lastError error, attempt int) {
			s.logger.Debug().Err(lastError).Int("attempt", attempt).Msg("mountpoint still busy")
		},
		Attempts: retry.UnlimitedAttempts,
		Delay:    umountRetryDelay,
		Clock:    clock.WallClock,
		Stop:     stop,
	})
}

// List returns the archives of the selected repository (or the repository a
// task points at), filtered to the task's prefix when selected by task.
func (s *Impl) List(ctx context.Context, item string, byRepo bool) (*models.ListResult, error) {
	repo, prefix, err := s.mountTarget(item, byRepo)
	if err != nil {
		return nil, err
	}

	if err := repo.Enter(ctx, false); err != nil {
		return nil, err
	}
	result, listErr := s.borgSvc.List(ctx, repo.Borg(), borg.ListOptions{
		Filter: borg.FilterOptions{Prefix: prefix},
	})
	if exitErr := repo.Exit(ctx, listErr != nil); exitErr != nil {
		listErr = errors.Join(listErr, exitErr)
	}
	if listErr != nil {
		return nil, listErr
	}
	return result, nil
}

// mountTarget resolves an item to a repository plus archive prefix. In repo
// mode the item may carry an explicit prefix as "name::prefix"; in task
// mode the task's own prefix applies.
func (s *Impl) mountTarget(item string, byRepo bool) (*Repository, string, error) {
	if byRepo {
		name, prefix, _ := strings.Cut(item, "::")
		repo, ok := s.repos[strings.ToLower(name)]
		if !ok {
			return nil, "", fmt.Errorf("no repository named %q", name)
		}
		return repo, prefix, nil
	}

	task, ok := s.tasks[strings.ToLower(item)]
	if !ok {
		return nil, "", fmt.Errorf("no task named %q", item)
	}
	return task.Repository(), task.ArchivePrefix(), nil
}

// tasksFor resolves task names to tasks, every task when names is empty,
// sorted by name for a stable run order.
func (s *Impl) tasksFor(names []string) ([]*Task, error) {
	if len(names) == 0 {
		names = make([]string, 0, len(s.tasks))
		for name := range s.tasks {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	tasks := make([]*Task, 0, len(names))
	for _, name := range names {
		task, ok := s.tasks[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("no task named %q", name)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// reposFor resolves items to repositories, either directly or through the
// tasks naming them. Duplicates collapse while the order is kept.
func (s *Impl) reposFor(byRepo bool, items []string) ([]*Repository, error) {
	if byRepo {
		if len(items) == 0 {
			items = make([]string, 0, len(s.repos))
			for name := range s.repos {
				items = append(items, name)
			}
			sort.Strings(items)
		}
		repos := make([]*Repository, 0, len(items))
		for _, name := range items {
			repo, ok := s.repos[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("no repository named %q", name)
			}
			repos = appendRepo(repos, repo)
		}
		return repos, nil
	}

	tasks, err := s.tasksFor(items)
	if err != nil {
		return nil, err
	}
	repos := make([]*Repository, 0, len(tasks))
	for _, task := range tasks {
		repos = appendRepo(repos, task.Repository())
	}
	return repos, nil
}

// appendRepo appends repo unless it is already present.
func appendRepo(repos []*Repository, repo *Repository) []*Repository {
	for _, r := range repos {
		if r == repo {
			return repos
		}
	}
	return append(repos, repo)
}
