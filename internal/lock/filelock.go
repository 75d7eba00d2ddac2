// SPDX-License-Identifier: MIT

//go:build linux

// Package lock provides the flock(2)-based single-instance guard. Two
// daemons driving the same displays would fight over scene state and
// the persistence journal, so the daemon refuses to start while
// another holds the lock.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// retryInterval paces non-blocking flock attempts.
const retryInterval = 100 * time.Millisecond

// FileLock is an exclusive flock(2) lock with PID tracking and stale
// lock removal.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// New creates a lock for path. The parent directory is created if
// needed; the lock itself is taken by Acquire.
func New(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{path: path, pid: os.Getpid()}, nil
}

// Acquire takes the lock, waiting up to timeout. A lock file left by a
// dead process is removed first. On success the holder's PID is
// written into the file.
func (fl *FileLock) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if stale, _ := isStale(fl.path); stale {
		_ = os.Remove(fl.path)
	}

	// 0644 so other instances can read the holder PID.
	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			_ = file.Close()
			return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	if err := writePID(file, fl.pid); err != nil {
		_ = file.Close()
		return err
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

func writePID(file *os.File, pid int) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", pid); err != nil {
		return fmt.Errorf("failed to write pid to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// Release drops the lock. Returns an error if the lock is not held.
func (fl *FileLock) Release() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return fmt.Errorf("lock not held")
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	fl.file = nil
	return nil
}

// Close releases the lock if held; a no-op otherwise.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()
	if held {
		return fl.Release()
	}
	return nil
}

// isStale reports whether the lock file belongs to a dead process.
// A missing file is not stale; an unreadable or garbled one is. No
// mtime check: a daemon that has run for days legitimately holds an
// old lock file.
func isStale(lockPath string) (bool, error) {
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return true, nil
	}
	pidStr := strings.TrimSpace(string(data))
	if pidStr == "" {
		return true, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return true, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}
	// Signal 0 probes process existence without delivering anything.
	if err := process.Signal(syscall.Signal(0)); err == nil {
		return false, nil
	}
	return true, nil
}
