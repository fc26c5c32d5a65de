package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/fgeck/goborg-homelab/internal/lock"
	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/scope"
	"github.com/fgeck/goborg-homelab/internal/services/borg"
	"github.com/fgeck/goborg-homelab/internal/services/hooks"
	"github.com/fgeck/goborg-homelab/internal/services/ssh"
	"github.com/fgeck/goborg-homelab/internal/services/wol"
	"github.com/rs/zerolog"
)

// Repository couples one configured borg repository with its host-wide lock
// and its mount/umount hook scope. Tasks sharing a repository share one
// Repository value, so nested scopes reuse the same lock and hook guard.
type Repository struct {
	cfg    *models.RepositoryConfig
	lock   *lock.ProcessLock
	guard  *scope.Guard
	hooks  hooks.Service
	wolSvc wol.Service
	sshSvc ssh.Service
	logger zerolog.Logger
	dryrun bool

	// set for the duration of one Enter/Exit scope so the guard
	// callbacks can reach the caller's context
	opCtx context.Context

	wakeOnce sync.Once
	wakeErr  error
}

func newRepository(
	cfg *models.RepositoryConfig,
	hooksSvc hooks.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	logger zerolog.Logger,
	dryrun bool,
) *Repository {
	r := &Repository{
		cfg:    cfg,
		lock:   lock.New(cfg.Path),
		hooks:  hooksSvc,
		wolSvc: wolSvc,
		sshSvc: sshSvc,
		logger: logger.With().Str("repository", cfg.Name).Logger(),
		dryrun: dryrun,
	}
	r.guard = scope.New(
		func() error {
			return r.hooks.RunAll(r.opCtx, fmt.Sprintf("mount hook for repository %s", cfg.Name), cfg.Mount)
		},
		func(failed bool) error {
			return r.hooks.RunAll(r.opCtx, fmt.Sprintf("umount hook for repository %s", cfg.Name),
				cfg.Umount, boolArg(failed))
		},
	)
	return r
}

// boolArg is the status argument handed to post-style hooks: "1" when the
// guarded operation failed, "0" otherwise.
func boolArg(failed bool) string {
	if failed {
		return strconv.Itoa(1)
	}
	return strconv.Itoa(0)
}

// Name returns the repository's configured name.
func (r *Repository) Name() string {
	return r.cfg.Name
}

// Borg returns the repository's argument/environment description for the
// borg supervisor.
func (r *Repository) Borg() borg.Repo {
	return borg.Repo{
		Name:        r.cfg.Name,
		Path:        r.cfg.Path,
		Compression: r.cfg.Compression,
		RemotePath:  r.cfg.RemotePath,
		Passphrase:  r.cfg.Passphrase,
	}
}

// Enter opens one repository scope: wake the host if configured, take the
// host-wide lock, then run the mount hooks. With lazy set the hooks are
// deferred until the next nested Enter. The lock is always taken, lazily or
// not, and is held until the matching Exit.
func (r *Repository) Enter(ctx context.Context, lazy bool) error {
	if r.cfg.Wake != nil {
		r.wakeOnce.Do(func() { r.wakeErr = r.wakeHost(ctx) })
		if r.wakeErr != nil {
			return r.wakeErr
		}
	}

	if err := r.lock.Acquire(); err != nil {
		return fmt.Errorf("repository %s: %w", r.cfg.Name, err)
	}

	r.opCtx = ctx
	if lazy {
		r.guard.Lazy()
	}
	if err := r.guard.Enter(); err != nil {
		r.lock.Release()
		return err
	}
	return nil
}

// Exit closes one repository scope, running the umount hooks on the
// outermost level before releasing the lock. A hook failure propagates but
// the lock is released regardless.
func (r *Repository) Exit(ctx context.Context, failed bool) error {
	r.opCtx = ctx
	err := r.guard.Exit(failed)
	r.lock.Release()
	return err
}

func (r *Repository) wakeHost(ctx context.Context) error {
	if r.dryrun {
		r.logger.Info().Msg("would wake repository host")
		return nil
	}

	result, err := r.wolSvc.Wake(ctx, *r.cfg.Wake)
	if err != nil {
		return fmt.Errorf("waking host for repository %s: %w", r.cfg.Name, err)
	}
	if result.Error != nil {
		return fmt.Errorf("waking host for repository %s: %w", r.cfg.Name, result.Error)
	}
	if !result.TargetReady && r.cfg.Wake.PollURL != "" {
		return fmt.Errorf("host for repository %s did not come up", r.cfg.Name)
	}
	return nil
}

// ShutdownHost shuts the repository host down over SSH, when configured.
func (r *Repository) ShutdownHost(ctx context.Context) error {
	if r.cfg.Shutdown == nil {
		return nil
	}
	if r.dryrun {
		r.logger.Info().Msg("would shut repository host down")
		return nil
	}

	result, err := r.sshSvc.Shutdown(ctx, *r.cfg.Shutdown)
	if err != nil {
		return fmt.Errorf("shutting down host for repository %s: %w", r.cfg.Name, err)
	}
	if result.Error != nil && !result.CommandRun {
		return fmt.Errorf("shutting down host for repository %s: %w", r.cfg.Name, result.Error)
	}
	r.logger.Info().Msg("repository host shutdown initiated")
	return nil
}
