package tatara

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Advisory locking for package builds and the ledger. Locks are flock(2)
// based: liveness comes from the kernel, so a crashed process releases its
// locks and a stale lock file on disk means nothing by itself.

// LockClass selects shared (readers) or exclusive (single writer) mode.
type LockClass int

const (
	SharedLock LockClass = iota
	ExclusiveLock
)

// LockManager hands out scoped lock handles keyed by stable strings, e.g.
// "<name>@<version>" for a package build or "ledger" for the record store.
type LockManager struct {
	dir string
}

func NewLockManager(dir string) (*LockManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %v", dir, err)
	}
	return &LockManager{dir: dir}, nil
}

// Lock is a held advisory lock. Release is safe to call more than once and
// must run on every exit path, including failures.
type Lock struct {
	f        *os.File
	key      string
	released bool
}

func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}

// lockPollInterval is how often a blocked acquirer retries LOCK_NB.
const lockPollInterval = 50 * time.Millisecond

// Acquire blocks until the lock is held, the context is cancelled, or the
// timeout elapses (LockTimeoutError). A timeout of zero waits indefinitely,
// still honoring cancellation.
func (lm *LockManager) Acquire(ctx context.Context, key string, class LockClass, timeout time.Duration) (*Lock, error) {
	lockPath := filepath.Join(lm.dir, sanitizeLockKey(key)+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %v", lockPath, err)
	}

	how := unix.LOCK_EX
	if class == SharedLock {
		how = unix.LOCK_SH
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f, key: key}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			f.Close()
			return nil, fmt.Errorf("flock %s: %v", lockPath, err)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			f.Close()
			return nil, &LockTimeoutError{Key: key, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("lock %s: %v", key, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// sanitizeLockKey flattens a key into a safe file name.
func sanitizeLockKey(key string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(key)
}

// withFileLock runs fn while holding an exclusive flock on base+".lock",
// used for download-cache entries shared between concurrent builds.
func withFileLock(base string, fn func() error) error {
	lockPath := base + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}
