// Package borg supervises the borg subprocess: it builds command lines,
// spawns the archiver, demultiplexes its two output streams and translates
// the embedded JSON log protocol into typed failures and progress updates.
package borg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/rs/zerolog"
)

// sigintGrace is how long a cancelled borg gets to exit after SIGINT before
// escalation to SIGTERM.
const sigintGrace = 10 * time.Second

// Service defines the supervisor interface, one operation per borg
// subcommand.
type Service interface {
	Create(ctx context.Context, repo Repo, opts CreateOptions, progress models.ProgressFunc) error
	Check(ctx context.Context, repo Repo, opts CheckOptions, progress models.ProgressFunc) error
	Prune(ctx context.Context, repo Repo, opts PruneOptions) error
	List(ctx context.Context, repo Repo, opts ListOptions) (*models.ListResult, error)
	Mount(ctx context.Context, repo Repo, opts MountOptions) error
	Umount(ctx context.Context, repo Repo, mountpoint string) error
}

// CreateOptions configures one borg create invocation.
type CreateOptions struct {
	Archive  string // full archive name, prefix plus timestamp
	Includes []string
	Excludes []string
	Stats    bool
}

// CheckOptions configures one borg check invocation.
type CheckOptions struct {
	RepositoryOnly bool
	ArchivesOnly   bool
	VerifyData     bool
	Repair         bool
	SaveSpace      bool
	Filter         FilterOptions
}

// PruneOptions configures one borg prune invocation.
type PruneOptions struct {
	Keep      models.RetentionSpec
	Prefix    string
	SaveSpace bool
}

// ListOptions configures one borg list invocation.
type ListOptions struct {
	Filter FilterOptions
}

// MountOptions configures one borg mount invocation.
type MountOptions struct {
	Archive    string // empty mounts the whole repository
	Mountpoint string
	Foreground bool
}

// Commander spawns the archiver subprocess. It allows stubbing the real
// borg binary in tests.
type Commander interface {
	Start(ctx context.Context, env []string, name string, args ...string) (Process, error)
}

// Process is one running archiver subprocess.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Wait() error
}

// ExecCommander is the default Commander using os/exec.
type ExecCommander struct{}

// Start launches the subprocess with both pipes attached. Cancellation is
// delivered as signals by the supervisor, not by killing through the
// context, so plain exec.Command is used.
func (ExecCommander) Start(_ context.Context, env []string, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Impl implements the Service interface.
type Impl struct {
	commander Commander
	logger    zerolog.Logger
	binary    string
	verbosity Verbosity
	dryrun    bool

	mu      sync.Mutex
	running bool
}

// New creates a new borg supervisor.
func New(logger zerolog.Logger, dryrun bool) *Impl {
	return &Impl{
		commander: ExecCommander{},
		logger:    logger,
		binary:    "borg",
		verbosity: VerbosityInfo,
		dryrun:    dryrun,
	}
}

// NewWithCommander creates a new borg supervisor with a custom commander
// (for testing).
func NewWithCommander(logger zerolog.Logger, dryrun bool, commander Commander) *Impl {
	svc := New(logger, dryrun)
	svc.commander = commander
	return svc
}

// SetBinary overrides the borg binary path.
func (s *Impl) SetBinary(path string) {
	s.binary = path
}

// SetVerbosity selects the log-level flag passed to borg.
func (s *Impl) SetVerbosity(v Verbosity) {
	s.verbosity = v
}

// Create runs borg create for the given archive.
func (s *Impl) Create(ctx context.Context, repo Repo, opts CreateOptions, progress models.ProgressFunc) error {
	if len(opts.Includes) == 0 {
		return &InvalidOptionsError{Reason: "no paths given to include in the archive"}
	}

	args := repo.Args(true)
	if opts.Stats {
		args = append(args, "--stats")
	}
	for _, exclude := range opts.Excludes {
		args = append(args, "--exclude", exclude)
	}
	args = append(args, repo.ArchiveSpec(opts.Archive))
	args = append(args, opts.Includes...)

	_, err := s.run(ctx, "create", args, repo.Env(), false, progress)
	return err
}

// Check runs borg check over the whole repository.
func (s *Impl) Check(ctx context.Context, repo Repo, opts CheckOptions, progress models.ProgressFunc) error {
	if opts.RepositoryOnly && opts.VerifyData {
		return &InvalidOptionsError{Reason: "borg-check options --repository-only and --verify-data conflict"}
	}

	args := repo.Args(false)
	if opts.RepositoryOnly {
		args = append(args, "--repository-only")
	}
	if opts.ArchivesOnly {
		args = append(args, "--archives-only")
	}
	if opts.VerifyData {
		args = append(args, "--verify-data")
	}
	if opts.Repair {
		args = append(args, "--repair")
	}
	if opts.SaveSpace {
		args = append(args, "--save-space")
	}
	filterArgs, err := opts.Filter.args(true)
	if err != nil {
		return err
	}
	args = append(args, filterArgs...)
	args = append(args, repo.Path)

	_, err = s.run(ctx, "check", args, repo.Env(), false, progress)
	return err
}

// Prune applies one retention spec to the repository.
func (s *Impl) Prune(ctx context.Context, repo Repo, opts PruneOptions) error {
	if opts.Keep.Empty() {
		return &InvalidOptionsError{Reason: "no intervals specified to keep archives in when pruning"}
	}

	args := repo.Args(false)
	args = append(args, "--list", "--stats")
	args = append(args, retentionArgs(opts.Keep)...)
	if opts.SaveSpace {
		args = append(args, "--save-space")
	}
	filterArgs, err := FilterOptions{Prefix: opts.Prefix}.args(false)
	if err != nil {
		return err
	}
	args = append(args, filterArgs...)
	args = append(args, repo.Path)

	_, err = s.run(ctx, "prune", args, repo.Env(), false, nil)
	return err
}

// List returns the repository's archives.
func (s *Impl) List(ctx context.Context, repo Repo, opts ListOptions) (*models.ListResult, error) {
	args := repo.Args(false)
	filterArgs, err := opts.Filter.args(true)
	if err != nil {
		return nil, err
	}
	args = append(args, filterArgs...)
	args = append(args, repo.Path)

	lines, err := s.run(ctx, "list", args, repo.Env(), true, nil)
	if err != nil {
		return nil, err
	}

	result := &models.ListResult{}
	if len(lines) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(bytes.Join(lines, []byte("\n")), result); err != nil {
		return nil, fmt.Errorf("parsing borg list output: %w", err)
	}
	return result, nil
}

// Mount mounts an archive, or the whole repository if opts.Archive is
// empty. With Foreground set this blocks until the FUSE driver exits.
func (s *Impl) Mount(ctx context.Context, repo Repo, opts MountOptions) error {
	if opts.Mountpoint == "" {
		return &InvalidOptionsError{Reason: "no mountpoint given"}
	}

	args := repo.Args(false)
	if opts.Foreground {
		args = append(args, "--foreground")
	}
	if opts.Archive != "" {
		args = append(args, repo.ArchiveSpec(opts.Archive))
	} else {
		args = append(args, repo.Path)
	}
	args = append(args, opts.Mountpoint)

	_, err := s.run(ctx, "mount", args, repo.Env(), false, nil)
	return err
}

// Umount unmounts a previously mounted archive or repository.
func (s *Impl) Umount(ctx context.Context, repo Repo, mountpoint string) error {
	if mountpoint == "" {
		return &InvalidOptionsError{Reason: "no mountpoint given"}
	}

	_, err := s.run(ctx, "umount", []string{mountpoint}, repo.Env(), false, nil)
	return err
}

// run spawns one borg invocation and drives the demultiplexer/handler pair
// until both output streams are exhausted. It returns the captured stdout
// lines when captureOut is set.
func (s *Impl) run(
	ctx context.Context,
	command string,
	options []string,
	env []string,
	captureOut bool,
	progress models.ProgressFunc,
) ([][]byte, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	argv := []string{command, "--log-json"}
	if progress != nil {
		argv = append(argv, "--progress")
	}
	if flag := s.verbosity.flag(); flag != "" {
		argv = append(argv, flag)
	}
	if captureOut {
		// Not supported by all commands.
		argv = append(argv, "--json")
	}
	argv = append(argv, options...)

	s.logger.Debug().Str("binary", s.binary).Strs("args", argv).Msg("borg command line")
	if s.dryrun {
		s.logger.Info().Str("command", command).Msg("dry run, not invoking borg")
		return nil, nil
	}

	proc, err := s.commander.Start(ctx, env, s.binary, argv...)
	if err != nil {
		return nil, fmt.Errorf("starting %s %s: %w", s.binary, command, err)
	}

	stopSignaller := s.watchCancel(ctx, proc)
	defer stopSignaller()

	handler := NewHandler(s.logger, progress)
	var out [][]byte
	var dispatchErr error
	for item := range s.demux(proc.Stdout(), proc.Stderr()) {
		if dispatchErr != nil {
			// A fatal message aborts processing, but both streams must
			// still drain so the reader goroutines terminate.
			continue
		}
		if item.Msg != nil {
			dispatchErr = handler.Dispatch(item.Msg)
		} else if captureOut {
			out = append(out, item.Line)
		}
	}

	waitErr := proc.Wait()

	if dispatchErr != nil {
		return nil, dispatchErr
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrCancelled, ctx.Err())
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s %s: %w", s.binary, command, waitErr)
	}
	return out, nil
}

// watchCancel delivers context cancellation to the subprocess as SIGINT,
// escalating to SIGTERM if it stays alive past the grace period. The
// returned stop function must be called once the streams are drained.
func (s *Impl) watchCancel(ctx context.Context, proc Process) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn().Msg("interrupting borg")
			if err := proc.Signal(os.Interrupt); err != nil {
				return
			}
			select {
			case <-done:
			case <-time.After(sigintGrace):
				s.logger.Warn().Msg("borg unresponsive after interrupt, terminating")
				_ = proc.Signal(syscall.SIGTERM)
			}
		}
	}()
	return func() { close(done) }
}

func (s *Impl) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}
	s.running = true
	return nil
}

func (s *Impl) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
