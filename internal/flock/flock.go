// Package flock provides advisory file locking with unix and windows
// backends. The scheduler holds one of these locks across every
// read-modify-write of the kanban board, and batch records are updated
// under the same primitive.
package flock

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLockHeld is returned when a non-blocking acquire finds the lock taken.
var ErrLockHeld = errors.New("lock held by another process")

// DefaultAcquireTimeout bounds how long Acquire polls for a contended lock.
const DefaultAcquireTimeout = 5 * time.Second

// retryInterval is the poll cadence while waiting for a contended lock.
const retryInterval = 25 * time.Millisecond

// Handle is a held advisory lock backed by an open file.
type Handle struct {
	f *os.File
}

// TryAcquire attempts to take the exclusive lock on path without blocking.
// The lock file is created if it does not exist.
func TryAcquire(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := exclusive(f.Fd()); err != nil {
		f.Close()
		return nil, ErrLockHeld
	}
	return &Handle{f: f}, nil
}

// Acquire takes the exclusive lock on path, polling until timeout.
// A zero timeout uses DefaultAcquireTimeout.
func Acquire(path string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		h, err := TryAcquire(path)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire %s: %w", path, ErrLockHeld)
		}
		time.Sleep(retryInterval)
	}
}

// Release unlocks and closes the underlying file. Safe on a nil handle.
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	unlockErr := unlock(h.f.Fd())
	closeErr := h.f.Close()
	h.f = nil
	if unlockErr != nil {
		return fmt.Errorf("unlock: %w", unlockErr)
	}
	return closeErr
}

// WithLock runs fn while holding the exclusive lock on path.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	h, err := Acquire(path, timeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
