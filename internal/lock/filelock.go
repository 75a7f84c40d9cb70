// SPDX-License-Identifier: MIT

//go:build linux

// Package lock provides a file-based exclusive lock guarding a capture
// session's base directory, so two engine instances can never write into
// the same AudioSegments/ directory concurrently.
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

// FileLock is an exclusive lock based on flock(2), with stale-lock
// detection keyed on the owning PID rather than file age: a session that
// has been recording for hours must not have its lock stolen just because
// the lock file's mtime looks old.
type FileLock struct {
	mu   sync.Mutex
	path string
	file *os.File
	pid  int
}

// DefaultAcquireTimeout bounds how long a new engine instance waits for a
// previous one (e.g. mid-shutdown) to release the session directory.
const DefaultAcquireTimeout = 30 * time.Second

// NewFileLock creates a lock bound to path. The parent directory is
// created if needed.
func NewFileLock(path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{path: path, pid: os.Getpid()}, nil
}

// AcquireContext acquires the lock, respecting context cancellation and an
// overall timeout. A lock file held by a dead process is treated as stale
// and removed before the first attempt.
func (fl *FileLock) AcquireContext(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if stale, _ := isLockStale(fl.path); stale {
		_ = os.Remove(fl.path)
	}

	file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = file.Close()
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				_ = file.Close()
				return fmt.Errorf("failed to acquire lock after %v: %w", timeout, err)
			}
		}
	}

	if err := file.Truncate(0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(file, "%d\n", fl.pid); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write pid to lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to sync lock file: %w", err)
	}

	fl.mu.Lock()
	fl.file = file
	fl.mu.Unlock()
	return nil
}

// Release releases the lock and closes the underlying file.
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

// Close releases the lock if held; safe to call more than once.
func (fl *FileLock) Close() error {
	fl.mu.Lock()
	held := fl.file != nil
	fl.mu.Unlock()
	if held {
		return fl.Release()
	}
	return nil
}

// isLockStale reports whether the lock file's recorded PID is no longer
// running. A missing file is not stale, just absent.
func isLockStale(lockPath string) (bool, error) {
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	data, err := os.ReadFile(lockPath) // #nosec G304 -- path owned by this session's configuration
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
	if err := process.Signal(syscall.Signal(0)); err == nil {
		return false, nil
	}
	return true, nil
}
