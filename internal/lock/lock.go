// Package lock provides a host-wide advisory lock keyed by a name.
//
// The lock is observable across processes on the same host, not just inside
// this process, so two goborg-homelab invocations can never run borg against
// the same repository at the same time.
package lock

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
)

// ErrLockHeld is returned by Acquire when another holder (in this process or
// any other process on this host) currently owns the lock.
var ErrLockHeld = errors.New("lock already held")

// acquireTimeout bounds how long Acquire probes the OS primitive. Contention
// is an operational error to report, not to wait out.
const acquireTimeout = 50 * time.Millisecond

// ProcessLock is a reentrant, host-wide advisory lock. The underlying OS
// primitive is taken only on the outermost Acquire and freed only on the
// matching Release; nested acquisitions just track depth.
type ProcessLock struct {
	name string

	mu       sync.Mutex
	depth    int
	releaser mutex.Releaser
	clock    clock.Clock
}

// New creates a lock for the given key. The key may be an arbitrary string
// (typically a resolved repository path); it is hashed into the mutex name
// alphabet.
func New(key string) *ProcessLock {
	return &ProcessLock{
		name:  mutexName(key),
		clock: clock.WallClock,
	}
}

// mutexName derives a valid mutex name from an arbitrary key. Mutex names
// must start with a letter and stay short, so the key is hashed.
func mutexName(key string) string {
	sum := sha1.Sum([]byte(key)) //nolint:gosec // not used for security
	return fmt.Sprintf("goborg-%s", hex.EncodeToString(sum[:])[:16])
}

// Acquire takes the lock without blocking. It returns ErrLockHeld if any
// other acquirer on this host currently holds a lock of the same name.
// Acquiring a lock this ProcessLock already holds succeeds and increments
// the recursion depth without touching the OS primitive again.
func (l *ProcessLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		releaser, err := mutex.Acquire(mutex.Spec{
			Name:    l.name,
			Clock:   l.clock,
			Delay:   10 * time.Millisecond,
			Timeout: acquireTimeout,
		})
		if err != nil {
			if errors.Is(err, mutex.ErrTimeout) {
				return ErrLockHeld
			}
			return fmt.Errorf("acquiring lock %s: %w", l.name, err)
		}
		l.releaser = releaser
	}
	l.depth++
	return nil
}

// Release undoes one Acquire. The OS primitive is freed only when the
// outermost acquisition releases. Releasing an unheld lock is a programming
// error and panics.
func (l *ProcessLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		panic("lock: Release of unheld lock")
	}
	l.depth--
	if l.depth == 0 {
		l.releaser.Release()
		l.releaser = nil
	}
}

// Held reports whether this ProcessLock currently holds its lock.
func (l *ProcessLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0
}
