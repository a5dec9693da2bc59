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
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Lock Tests
// =============================================================================

func TestNewLock_Defaults(t *testing.T) {
	lock := NewLock(LockConfig{})

	want := filepath.Join(os.TempDir(), "anchorops.lock")
	if lock.LockPath() != want {
		t.Errorf("LockPath() = %q, want %q", lock.LockPath(), want)
	}
}

func TestLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	lock := NewLock(LockConfig{LockDir: dir, LockName: "unit"})

	if err := lock.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !lock.IsHeld() {
		t.Error("IsHeld() = false after Acquire")
	}
	if pid := lock.HolderPID(); pid != os.Getpid() {
		t.Errorf("HolderPID() = %d, want %d", pid, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if lock.IsHeld() {
		t.Error("IsHeld() = true after Release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestLock_SecondInstanceBlocked(t *testing.T) {
	dir := t.TempDir()
	first := NewLock(LockConfig{LockDir: dir, LockName: "unit"})
	second := NewLock(LockConfig{LockDir: dir, LockName: "unit"})

	if err := first.Acquire(); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer first.Release()

	err := second.Acquire()
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %v, want *LockHeldError", err)
	}
	if held.HolderPID != os.Getpid() {
		t.Errorf("HolderPID = %d, want %d", held.HolderPID, os.Getpid())
	}

	busy, pid, err := second.Probe()
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !busy || pid != os.Getpid() {
		t.Errorf("Probe() = (%v, %d), want (true, %d)", busy, pid, os.Getpid())
	}
}

func TestLock_ProbeFree(t *testing.T) {
	lock := NewLock(LockConfig{LockDir: t.TempDir(), LockName: "unit"})

	busy, _, err := lock.Probe()
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if busy {
		t.Error("Probe() = true with no holder")
	}
}

// =============================================================================
// Manager Tests
// =============================================================================

func TestDefaultManager_RunInDirExitCode(t *testing.T) {
	pm := NewDefaultManager()

	_, _, code, err := pm.RunInDir(context.Background(), "", nil, "sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("RunInDir() error = %v, want nil for non-zero exit", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestDefaultManager_RunInDirMissingBinary(t *testing.T) {
	pm := NewDefaultManager()

	_, _, code, err := pm.RunInDir(context.Background(), "", nil, "anchorops-definitely-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("RunInDir() error = %v, want ErrNotFound", err)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestDefaultManager_RunPiped(t *testing.T) {
	pm := NewDefaultManager()
	var out bytes.Buffer

	_, code, err := pm.RunPiped(context.Background(), PipeOptions{
		Name:   "cat",
		Stdin:  strings.NewReader("payload"),
		Stdout: &out,
	})
	if err != nil || code != 0 {
		t.Fatalf("RunPiped() = (%d, %v)", code, err)
	}
	if out.String() != "payload" {
		t.Errorf("stdout = %q, want payload", out.String())
	}
}

func TestMockManager_RecordsCalls(t *testing.T) {
	mock := &MockManager{}

	mock.RunInDir(context.Background(), "/srv", nil, "docker", "compose", "ps")

	calls := mock.GetCalls()
	if len(calls) != 1 || calls[0].Dir != "/srv" || calls[0].Name != "docker" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}
