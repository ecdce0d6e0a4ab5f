package ipc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDLock guards the execution daemon's singleton instance on a host:
// only one daemon process may hold the lock file at path at a time.
type PIDLock struct {
	path string
	held bool
}

// NewPIDLock returns a PIDLock for path, unacquired.
func NewPIDLock(path string) *PIDLock {
	return &PIDLock{path: path}
}

// Acquire claims the lock file, refusing if a live process already holds
// it. A lock file left behind by a process that no longer exists (a
// signal-0 liveness check fails) is treated as stale and overwritten.
func (l *PIDLock) Acquire() error {
	if existing, ok := readPIDFile(l.path); ok {
		if processAlive(existing) {
			return fmt.Errorf("ipc: daemon already running with pid %d (lock file %s)", existing, l.path)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("ipc: write pid lock %s: %w", l.path, err)
	}
	l.held = true
	return nil
}

// Release removes the lock file if this PIDLock holds it. Safe to call
// more than once or on an unacquired lock.
func (l *PIDLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove pid lock %s: %w", l.path, err)
	}
	return nil
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid names a live process, using the
// conventional signal-0 liveness probe (no signal is actually delivered).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to another user.
	return err == nil || errors.Is(err, syscall.EPERM)
}
