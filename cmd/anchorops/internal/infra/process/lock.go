// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Locker defines the interface for instance locking.
//
// # Thread Safety
//
// Implementations are used from a single goroutine. The lock provides
// inter-process synchronization, not intra-process.
type Locker interface {
	// Acquire attempts to get an exclusive lock without blocking.
	Acquire() error

	// Release releases the lock if held. Safe to call repeatedly.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID recorded by the holder, or 0.
	HolderPID() int
}

// LockConfig configures lock file location.
type LockConfig struct {
	// LockDir is the directory for lock files. Default: os.TempDir()
	LockDir string

	// LockName is the base name for lock files. Default: "anchorops"
	LockName string
}

// Lock implements Locker using flock(2).
//
// # How It Works
//
//  1. Opens {LockDir}/{LockName}.lock
//  2. Attempts a non-blocking exclusive flock
//  3. Writes the PID to {LockDir}/{LockName}.pid
//  4. On release, removes the PID file and unlocks
//
// # Limitations
//
//   - Advisory only; a process that never calls Acquire is not blocked
//   - NFS and some network filesystems do not support flock reliably
//   - The OS drops the flock if the process dies; the PID file may remain
type Lock struct {
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewLock creates a lock. It does not acquire it.
func NewLock(config LockConfig) *Lock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "anchorops"
	}
	return &Lock{
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts to get an exclusive lock.
//
// # Outputs
//
//   - error: *LockHeldError when another process holds the lock, other
//     errors for filesystem problems
func (p *Lock) Acquire() error {
	if p.held {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.lockPath), 0750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &LockHeldError{HolderPID: p.readHolderPID(), LockPath: p.lockPath}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// The PID file is informational; the flock is what excludes.
	_ = os.WriteFile(p.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
	return nil
}

// Release removes the PID file and releases the flock.
func (p *Lock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)
	err := unix.Flock(int(p.lockFile.Fd()), unix.LOCK_UN)
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld reports local state only.
func (p *Lock) IsHeld() bool {
	return p.held
}

// HolderPID reads the PID file. It may be stale if the holder crashed.
func (p *Lock) HolderPID() int {
	return p.readHolderPID()
}

// Probe reports whether another process currently holds the lock without
// taking it. Used by preflight to detect a conflicting instance.
func (p *Lock) Probe() (held bool, pid int, err error) {
	if p.held {
		return false, 0, nil
	}
	f, err := os.OpenFile(p.lockPath, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, p.readHolderPID(), nil
		}
		return false, 0, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, 0, nil
}

// LockPath returns the path to the lock file.
func (p *Lock) LockPath() string {
	return p.lockPath
}

func (p *Lock) readHolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// LockHeldError is returned when the lock is held by another process.
type LockHeldError struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another anchorops instance is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another anchorops instance is running (check: lsof %s)", e.LockPath)
}

// Compile-time interface satisfaction check
var _ Locker = (*Lock)(nil)
