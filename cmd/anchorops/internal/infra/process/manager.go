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
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// ErrNotFound is returned when an executable cannot be located on PATH.
var ErrNotFound = errors.New("executable not found")

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Manager handles external process execution.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// Every method takes a context; cancellation kills the child process.
type Manager interface {
	// Run executes a command and returns its stdout.
	//
	// A non-zero exit is returned as an error that includes stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInDir executes a command in dir with extra environment entries.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - dir: Working directory ("" for the current directory)
	//   - env: Full environment in KEY=VALUE form (nil inherits)
	//   - name, args: Command to run
	//
	// # Outputs
	//
	//   - stdout, stderr: Captured output
	//   - exitCode: Process exit code (-1 when the process never ran)
	//   - error: Non-nil only when the process could not be started or the
	//     context expired; a non-zero exit is reported via exitCode
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// RunPiped executes a command with streaming stdin/stdout.
	//
	// # Description
	//
	// Used for database dumps and restores, where the payload can be larger
	// than memory should hold. Stderr is still captured in full.
	RunPiped(ctx context.Context, opts PipeOptions) (stderr string, exitCode int, err error)

	// LookPath reports the resolved path of an executable or ErrNotFound.
	LookPath(name string) (string, error)
}

// PipeOptions configures RunPiped.
type PipeOptions struct {
	Dir    string
	Env    []string
	Name   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
}

// -----------------------------------------------------------------------------
// Default Implementation
// -----------------------------------------------------------------------------

// DefaultManager implements Manager using os/exec.
type DefaultManager struct{}

// NewDefaultManager creates a Manager that runs real processes.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes a command synchronously and returns its output.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// RunInDir executes a command in a directory with a custom environment.
func (pm *DefaultManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code, runErr := exitCodeOf(ctx, cmd.Run(), name)
	return stdout.String(), stderr.String(), code, runErr
}

// RunPiped executes a command with caller-supplied stdin and stdout.
func (pm *DefaultManager) RunPiped(ctx context.Context, opts PipeOptions) (string, int, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.Stdin = opts.Stdin
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	code, runErr := exitCodeOf(ctx, err, opts.Name)
	return stderr.String(), code, runErr
}

// LookPath resolves an executable on PATH.
func (pm *DefaultManager) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// exitCodeOf separates "ran and exited non-zero" from "never ran".
func exitCodeOf(ctx context.Context, err error, name string) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return -1, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return -1, fmt.Errorf("failed to run %s: %w", name, err)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// Configure the mock by setting function fields. A nil function field
// returns a zero result with exit code 0.
//
// # Examples
//
//	mock := &MockManager{
//	    RunInDirFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
//	        return "ok", "", 0, nil
//	    },
//	}
type MockManager struct {
	RunFunc      func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunInDirFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)
	RunPipedFunc func(ctx context.Context, opts PipeOptions) (string, int, error)
	LookPathFunc func(name string) (string, error)

	// Calls records all method invocations for verification
	Calls []Call

	mu sync.Mutex
}

// Call records a single method invocation.
type Call struct {
	Method string
	Dir    string
	Name   string
	Args   []string
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		return nil, nil
	}
	return m.RunFunc(ctx, name, args...)
}

// RunInDir delegates to RunInDirFunc and records the call.
func (m *MockManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record(Call{Method: "RunInDir", Dir: dir, Name: name, Args: args})
	if m.RunInDirFunc == nil {
		return "", "", 0, nil
	}
	return m.RunInDirFunc(ctx, dir, env, name, args...)
}

// RunPiped delegates to RunPipedFunc and records the call.
func (m *MockManager) RunPiped(ctx context.Context, opts PipeOptions) (string, int, error) {
	m.record(Call{Method: "RunPiped", Dir: opts.Dir, Name: opts.Name, Args: opts.Args})
	if m.RunPipedFunc == nil {
		return "", 0, nil
	}
	return m.RunPipedFunc(ctx, opts)
}

// LookPath delegates to LookPathFunc and records the call.
func (m *MockManager) LookPath(name string) (string, error) {
	m.record(Call{Method: "LookPath", Name: name})
	if m.LookPathFunc == nil {
		return "/usr/bin/" + name, nil
	}
	return m.LookPathFunc(name)
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Call, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)
