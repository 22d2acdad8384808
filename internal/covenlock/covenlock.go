// Package covenlock implements the dispatch lock and per-agent counted
// semaphores (C3): cross-process mutual exclusion backed by advisory file
// locks, so that two worker processes never both decide to run the
// dispatch agent at once, and so an agent's max_concurrency is honored
// across the whole fleet of worker processes, not just within one.
package covenlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLockHeld is returned by TryAcquireDispatchLock when another process
// already holds the dispatch lock.
var ErrLockHeld = errors.New("dispatch lock already held")

// IsLockHeld reports whether err indicates the dispatch lock is already held.
func IsLockHeld(err error) bool {
	return errors.Is(err, ErrLockHeld)
}

// Unlock releases a held lock or semaphore slot.
type Unlock func()

func lockPath(covenDir string) string {
	return filepath.Join(covenDir, "dispatch.lock")
}

func flockFile(path string, blocking bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	flags := syscall.LOCK_EX
	if !blocking {
		flags |= syscall.LOCK_NB
	}
	if err := syscall.Flock(int(f.Fd()), flags); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// TryAcquireDispatchLock attempts to take the single-holder dispatch lock
// without blocking. Returns ErrLockHeld if another worker holds it.
func TryAcquireDispatchLock(covenDir string) (Unlock, error) {
	f, err := flockFile(lockPath(covenDir), false)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// AcquireDispatchLock blocks until the dispatch lock is free, retrying a
// non-blocking attempt every poll interval. It takes no context and has no
// timeout, so it cannot be canceled; an attempt that fails for any reason,
// not only a held lock, is retried.
func AcquireDispatchLock(covenDir string, poll time.Duration) Unlock {
	for {
		unlock, err := TryAcquireDispatchLock(covenDir)
		if err == nil {
			return unlock
		}
		time.Sleep(poll)
	}
}

// Semaphore is a counted, cross-process mutual-exclusion primitive backed
// by N lock files, one per slot. It has no timeout by design: a worker
// that gave up and retried elsewhere after a timeout could end up running
// two copies of the same max_concurrency-limited agent at once, which is
// worse than waiting.
type Semaphore struct {
	dir  string
	name string
	n    int
	poll time.Duration
}

// NewSemaphore returns a semaphore with n slots for the named agent. Slot
// files are `<covenDir>/semaphores/<name>.<i>.lock`, matching the
// filesystem layout spec.md §6 documents.
func NewSemaphore(covenDir, name string, n int, poll time.Duration) *Semaphore {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Semaphore{
		dir:  filepath.Join(covenDir, "semaphores"),
		name: name,
		n:    n,
		poll: poll,
	}
}

func (s *Semaphore) slotPath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%d.lock", s.name, i))
}

// TryAcquire attempts to claim any free slot without blocking.
func (s *Semaphore) TryAcquire() (Unlock, bool, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating semaphore directory: %w", err)
	}
	for i := 0; i < s.n; i++ {
		f, err := flockFile(s.slotPath(i), false)
		if err != nil {
			if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			return nil, false, err
		}
		return func() {
			_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
			f.Close()
		}, true, nil
	}
	return nil, false, nil
}

// Acquire blocks, retrying forever, until a slot is free. There is
// deliberately no timeout: see the Semaphore doc comment.
func (s *Semaphore) Acquire() (Unlock, error) {
	for {
		unlock, ok, err := s.TryAcquire()
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		time.Sleep(s.poll)
	}
}
