package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned by TryLockFile when another holder owns the lock
var ErrLocked = errors.New("lock held by another process")

// FileLock is an advisory exclusive lock on a lock file
type FileLock struct {
	path string
	f    *os.File
}

func openLockFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	return f, nil
}

// lockPollInterval is how often LockFileTimeout retries a held lock
const lockPollInterval = 20 * time.Millisecond

// LockFileTimeout polls TryLockFile until it holds path or timeout passes,
// then fails with ErrTimeout. A holder that hangs never blocks the caller
// past the deadline.
func LockFileTimeout(path string, timeout time.Duration) (*FileLock, error) {
	deadline := time.Now().Add(timeout)
	for {
		lock, err := TryLockFile(path)
		if !errors.Is(err, ErrLocked) {
			return lock, err
		}
		if time.Now().After(deadline) {
			return nil, WrapKind(ErrTimeout, "lock "+path, fmt.Errorf("held for more than %s", timeout))
		}
		time.Sleep(lockPollInterval)
	}
}

// TryLockFile takes the lock without waiting, returning ErrLocked if it is held
func TryLockFile(path string) (*FileLock, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &FileLock{path: path, f: f}, nil
}

// Unlock releases the lock. Safe to call on a nil lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return cerr
}
