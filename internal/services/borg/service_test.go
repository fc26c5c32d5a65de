package borg

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess is a stubbed archiver subprocess.
type fakeProcess struct {
	stdout io.Reader
	stderr io.Reader

	mu       sync.Mutex
	signals  []os.Signal
	onSignal func(os.Signal)
	waitErr  error
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }

func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	cb := p.onSignal
	p.mu.Unlock()
	if cb != nil {
		cb(sig)
	}
	return nil
}

func (p *fakeProcess) Wait() error { return p.waitErr }

func (p *fakeProcess) sentSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakeCommander records every spawn and hands out scripted processes.
type fakeCommander struct {
	mu     sync.Mutex
	argvs  [][]string
	envs   [][]string
	stdout string
	stderr string

	nextProc *fakeProcess
	startErr error
}

func (c *fakeCommander) Start(_ context.Context, env []string, name string, args ...string) (Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.argvs = append(c.argvs, append([]string{name}, args...))
	c.envs = append(c.envs, env)
	if c.startErr != nil {
		return nil, c.startErr
	}
	if c.nextProc != nil {
		return c.nextProc, nil
	}
	return &fakeProcess{
		stdout: strings.NewReader(c.stdout),
		stderr: strings.NewReader(c.stderr),
	}, nil
}

func (c *fakeCommander) started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.argvs)
}

func (c *fakeCommander) lastArgv() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.argvs) == 0 {
		return nil
	}
	return c.argvs[len(c.argvs)-1]
}

func (c *fakeCommander) lastEnv() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) == 0 {
		return nil
	}
	return c.envs[len(c.envs)-1]
}

func testRepo() Repo {
	return Repo{
		Name:        "main",
		Path:        "/backup/repo",
		Compression: "lz4",
		Passphrase:  "secret",
	}
}

func TestCreate_EmptyIncludesFailsFast(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Create(context.Background(), testRepo(), CreateOptions{Archive: "pc-1"}, nil)

	var invalid *InvalidOptionsError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, commander.started(), "no subprocess may be spawned")
}

func TestCreate_CommandLineAndEnv(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Create(context.Background(), testRepo(), CreateOptions{
		Archive:  "pc-2024-01-01",
		Includes: []string{"/data", "/etc"},
		Excludes: []string{"/data/tmp"},
		Stats:    true,
	}, nil)

	require.NoError(t, err)
	argv := commander.lastArgv()
	assert.Equal(t, "borg", argv[0])
	assert.Equal(t, "create", argv[1])
	assert.Contains(t, argv, "--log-json")
	assert.Contains(t, argv, "--stats")
	assert.Contains(t, argv, "--compression")
	assert.Contains(t, argv, "--exclude")
	assert.Contains(t, argv, "/backup/repo::pc-2024-01-01")
	assert.Equal(t, "/etc", argv[len(argv)-1])
	assert.NotContains(t, argv, "--progress", "no callback registered")

	assert.Contains(t, commander.lastEnv(), "BORG_PASSPHRASE=secret")
}

func TestCreate_ProgressCallbackDriven(t *testing.T) {
	commander := &fakeCommander{
		stderr: `{"type":"archive_progress","original_size":1000,"compressed_size":500,` +
			`"deduplicated_size":250,"nfiles":3,"path":"/data/f","time":0}` + "\n",
	}
	svc := NewWithCommander(testLogger(), false, commander)

	var updates []models.ProgressUpdate
	err := svc.Create(context.Background(), testRepo(), CreateOptions{
		Archive:  "pc-1",
		Includes: []string{"/data"},
	}, func(u models.ProgressUpdate) { updates = append(updates, u) })

	require.NoError(t, err)
	assert.Contains(t, commander.lastArgv(), "--progress")
	require.Len(t, updates, 1)
	assert.Equal(t, 3, updates[0].NFiles)
}

func TestCreate_FatalMessageAbortsWithTypedFailure(t *testing.T) {
	commander := &fakeCommander{
		stderr: `{"type":"log_message","msgid":"Archive.AlreadyExists","message":"x"}` + "\n",
	}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Create(context.Background(), testRepo(), CreateOptions{
		Archive:  "pc-1",
		Includes: []string{"/data"},
	}, nil)

	assert.ErrorIs(t, err, ArchiveAlreadyExists)
}

func TestCreate_PromptIsFatal(t *testing.T) {
	commander := &fakeCommander{
		stderr: `{"type":"log_message","msgid":"BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK","message":"?"}` + "\n",
	}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Create(context.Background(), testRepo(), CreateOptions{
		Archive:  "pc-1",
		Includes: []string{"/data"},
	}, nil)

	var promptErr *PromptError
	require.ErrorAs(t, err, &promptErr)
}

func TestCheck_ConflictingFlagsFailFast(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Check(context.Background(), testRepo(), CheckOptions{
		RepositoryOnly: true,
		VerifyData:     true,
	}, nil)

	var invalid *InvalidOptionsError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, commander.started())
}

func TestCheck_CommandLine(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Check(context.Background(), testRepo(), CheckOptions{
		ArchivesOnly: true,
		Filter:       FilterOptions{Prefix: "pc-"},
	}, nil)

	require.NoError(t, err)
	argv := commander.lastArgv()
	assert.Equal(t, "check", argv[1])
	assert.Contains(t, argv, "--archives-only")
	assert.Contains(t, argv, "--prefix")
	assert.Equal(t, "/backup/repo", argv[len(argv)-1])
}

func TestPrune_EmptyRetentionFailsFast(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Prune(context.Background(), testRepo(), PruneOptions{Prefix: "pc-"})

	var invalid *InvalidOptionsError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, commander.started())
}

func TestPrune_CommandLine(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Prune(context.Background(), testRepo(), PruneOptions{
		Keep:   models.RetentionSpec{Daily: 7},
		Prefix: "pc-",
	})

	require.NoError(t, err)
	argv := commander.lastArgv()
	assert.Equal(t, "prune", argv[1])
	assert.Contains(t, argv, "--keep-daily")
	assert.Contains(t, argv, "7")
	assert.Contains(t, argv, "--prefix")
	assert.NotContains(t, argv, "--json", "prune output is not captured")
}

func TestList_ParsesArchives(t *testing.T) {
	// borg 1.x prints local ISO 8601 timestamps without an offset.
	commander := &fakeCommander{
		stdout: `{"archives": [` + "\n" +
			`{"name": "pc-2024-01-01", "id": "abc", "start": "2024-01-01T12:00:00.000000"},` + "\n" +
			`{"name": "pc-2024-01-02", "id": "def", "start": "2024-01-02T12:00:00"},` + "\n" +
			`{"name": "pc-2024-01-03", "id": "ghi", "start": "2024-01-03T12:00:00+01:00"}` + "\n" +
			`]}` + "\n",
	}
	svc := NewWithCommander(testLogger(), false, commander)

	result, err := svc.List(context.Background(), testRepo(), ListOptions{
		Filter: FilterOptions{Prefix: "pc-", Last: 3},
	})

	require.NoError(t, err)
	require.Len(t, result.Archives, 3)
	assert.Equal(t, "pc-2024-01-01", result.Archives[0].Name)
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	assert.True(t, result.Archives[0].Start.Equal(want))
	assert.Contains(t, commander.lastArgv(), "--json")
}

func TestMount_CommandLine(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Mount(context.Background(), testRepo(), MountOptions{
		Archive:    "pc-2024-01-01",
		Mountpoint: "/mnt/backup",
		Foreground: true,
	})

	require.NoError(t, err)
	argv := commander.lastArgv()
	assert.Equal(t, "mount", argv[1])
	assert.Contains(t, argv, "--foreground")
	assert.Contains(t, argv, "/backup/repo::pc-2024-01-01")
	assert.Equal(t, "/mnt/backup", argv[len(argv)-1])
}

func TestDryRun_NeverSpawns(t *testing.T) {
	commander := &fakeCommander{}
	svc := NewWithCommander(testLogger(), true, commander)

	err := svc.Create(context.Background(), testRepo(), CreateOptions{
		Archive:  "pc-1",
		Includes: []string{"/data"},
	}, nil)

	require.NoError(t, err)
	assert.Zero(t, commander.started())
}

func TestRun_SecondInvocationIsRejected(t *testing.T) {
	stdoutR, stdoutW := io.Pipe()
	commander := &fakeCommander{
		nextProc: &fakeProcess{stdout: stdoutR, stderr: strings.NewReader("")},
	}
	svc := NewWithCommander(testLogger(), false, commander)

	done := make(chan error, 1)
	go func() {
		done <- svc.Check(context.Background(), testRepo(), CheckOptions{}, nil)
	}()

	require.Eventually(t, func() bool { return commander.started() == 1 },
		time.Second, time.Millisecond)

	err := svc.Prune(context.Background(), testRepo(), PruneOptions{
		Keep: models.RetentionSpec{Daily: 1},
	})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, stdoutW.Close())
	assert.NoError(t, <-done)
}

func TestRun_CancellationInterruptsAndDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	stdoutR, stdoutW := io.Pipe()
	proc := &fakeProcess{stdout: stdoutR, stderr: strings.NewReader("")}
	proc.onSignal = func(os.Signal) {
		// Simulate borg exiting on SIGINT by closing its streams.
		_ = stdoutW.Close()
	}
	commander := &fakeCommander{nextProc: proc}
	svc := NewWithCommander(testLogger(), false, commander)

	done := make(chan error, 1)
	go func() {
		done <- svc.Check(ctx, testRepo(), CheckOptions{}, nil)
	}()

	require.Eventually(t, func() bool { return commander.started() == 1 },
		time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, ErrCancelled)
	signals := proc.sentSignals()
	require.NotEmpty(t, signals)
	assert.Equal(t, os.Interrupt, signals[0])
}

func TestRun_SubprocessFailureWithoutProtocolError(t *testing.T) {
	commander := &fakeCommander{
		nextProc: &fakeProcess{
			stdout:  strings.NewReader(""),
			stderr:  strings.NewReader(""),
			waitErr: io.ErrUnexpectedEOF,
		},
	}
	svc := NewWithCommander(testLogger(), false, commander)

	err := svc.Check(context.Background(), testRepo(), CheckOptions{}, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)
}
