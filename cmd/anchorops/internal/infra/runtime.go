// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package infra defines the service runtime abstraction shared by the
// container (compose) and host (systemd) deployment forms, plus the bounded
// readiness wait used by every component that depends on a service.
package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrUnknownService is returned for a logical service with no mapping.
	ErrUnknownService = errors.New("unknown service")

	// ErrServiceNotRunning is returned when an exec targets a stopped service.
	ErrServiceNotRunning = errors.New("service not running")

	// ErrRuntimeUnavailable is returned when the daemon (container engine
	// or systemd) cannot be reached.
	ErrRuntimeUnavailable = errors.New("service runtime unavailable")
)

// =============================================================================
// Supporting Types
// =============================================================================

// Mode selects the deployment form.
type Mode string

const (
	// ModeContainer drives services through a compose file.
	ModeContainer Mode = "container"

	// ModeHost drives services as systemd units.
	ModeHost Mode = "host"
)

// Service is a logical service name, independent of deployment form.
type Service string

const (
	ServiceDatabase   Service = "database"
	ServiceCache      Service = "cache"
	ServiceWeb        Service = "web"
	ServiceQueue      Service = "queue"
	ServiceBlockchain Service = "blockchain"
	ServiceProxy      Service = "proxy"
	ServiceCertbot    Service = "certbot"
)

// AllServices lists every logical service in start order.
var AllServices = []Service{
	ServiceDatabase,
	ServiceCache,
	ServiceBlockchain,
	ServiceWeb,
	ServiceQueue,
	ServiceProxy,
	ServiceCertbot,
}

// ExecOptions configures Runtime.Exec.
type ExecOptions struct {
	// Service is the logical service to run the command against.
	Service Service

	// Command is the command and its arguments. Required.
	Command []string

	// Stdin, when set, is streamed to the command.
	Stdin io.Reader

	// Stdout, when set, receives stdout as a stream instead of it being
	// captured into ExecResult.Stdout.
	Stdout io.Writer

	// Env holds extra KEY=VALUE pairs for the command.
	Env map[string]string
}

// ExecResult is the outcome of Runtime.Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// =============================================================================
// Interface Definition
// =============================================================================

// Runtime starts, stops and runs commands against the stack's services.
//
// # Description
//
// Both deployment forms implement this interface, so every orchestration
// path is shared: the container runtime drives a compose project, the host
// runtime drives systemd units and runs commands directly on the host.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, although anchorops
// only ever calls them sequentially.
type Runtime interface {
	// Mode reports the deployment form.
	Mode() Mode

	// Ping checks that the daemon is alive.
	Ping(ctx context.Context) error

	// Refresh pulls images (container) or reloads unit files (host).
	Refresh(ctx context.Context) error

	// Start starts a service. Starting a running service is a no-op.
	Start(ctx context.Context, svc Service) error

	// Stop stops a service. Stopping a stopped service is a no-op.
	Stop(ctx context.Context, svc Service) error

	// Restart restarts a service.
	Restart(ctx context.Context, svc Service) error

	// IsRunning reports whether a service is active.
	IsRunning(ctx context.Context, svc Service) (bool, error)

	// Exec runs a command in the context of a service.
	//
	// A non-zero exit is returned in ExecResult, not as an error.
	Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error)
}

// CommandError describes a collaborator command that exited non-zero.
type CommandError struct {
	Service  Service
	Command  string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with code %d", e.Service, e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ExecChecked runs Exec and converts a non-zero exit into *CommandError.
func ExecChecked(ctx context.Context, rt Runtime, opts ExecOptions) (*ExecResult, error) {
	res, err := rt.Exec(ctx, opts)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{
			Service:  opts.Service,
			Command:  joinCommand(opts.Command),
			ExitCode: res.ExitCode,
			Stderr:   trimOutput(res.Stderr),
		}
	}
	return res, nil
}

func joinCommand(cmd []string) string {
	if len(cmd) == 0 {
		return ""
	}
	out := cmd[0]
	for _, a := range cmd[1:] {
		out += " " + a
	}
	return out
}

// trimOutput keeps error messages to a readable size.
func trimOutput(s string) string {
	const max = 512
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockRuntime is a test double for Runtime.
//
// Running state is tracked in-memory so Start/Stop/IsRunning behave
// consistently without function overrides. ExecFunc defaults to a
// successful empty result.
type MockRuntime struct {
	ModeValue Mode

	PingFunc    func(ctx context.Context) error
	RefreshFunc func(ctx context.Context) error
	StartFunc   func(ctx context.Context, svc Service) error
	StopFunc    func(ctx context.Context, svc Service) error
	ExecFunc    func(ctx context.Context, opts ExecOptions) (*ExecResult, error)

	// Running holds the simulated running state per service.
	Running map[Service]bool

	// Calls records "Method:service" strings in call order.
	Calls []string

	mu sync.Mutex
}

// NewMockRuntime creates a mock with the given services marked running.
func NewMockRuntime(running ...Service) *MockRuntime {
	m := &MockRuntime{ModeValue: ModeContainer, Running: map[Service]bool{}}
	for _, s := range running {
		m.Running[s] = true
	}
	return m
}

func (m *MockRuntime) record(method string, svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc == "" {
		m.Calls = append(m.Calls, method)
		return
	}
	m.Calls = append(m.Calls, method+":"+string(svc))
}

// Mode returns ModeValue.
func (m *MockRuntime) Mode() Mode { return m.ModeValue }

// Ping delegates to PingFunc.
func (m *MockRuntime) Ping(ctx context.Context) error {
	m.record("Ping", "")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

// Refresh delegates to RefreshFunc.
func (m *MockRuntime) Refresh(ctx context.Context) error {
	m.record("Refresh", "")
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx)
	}
	return nil
}

// Start marks the service running unless StartFunc fails.
func (m *MockRuntime) Start(ctx context.Context, svc Service) error {
	m.record("Start", svc)
	if m.StartFunc != nil {
		if err := m.StartFunc(ctx, svc); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Running == nil {
		m.Running = map[Service]bool{}
	}
	m.Running[svc] = true
	return nil
}

// Stop marks the service stopped unless StopFunc fails.
func (m *MockRuntime) Stop(ctx context.Context, svc Service) error {
	m.record("Stop", svc)
	if m.StopFunc != nil {
		if err := m.StopFunc(ctx, svc); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Running, svc)
	return nil
}

// Restart records the call and marks the service running.
func (m *MockRuntime) Restart(ctx context.Context, svc Service) error {
	m.record("Restart", svc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Running == nil {
		m.Running = map[Service]bool{}
	}
	m.Running[svc] = true
	return nil
}

// IsRunning reports the simulated state.
func (m *MockRuntime) IsRunning(ctx context.Context, svc Service) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Running[svc], nil
}

// Exec delegates to ExecFunc.
func (m *MockRuntime) Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	m.record("Exec", opts.Service)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, opts)
	}
	return &ExecResult{}, nil
}

// GetCalls returns a copy of the recorded calls.
func (m *MockRuntime) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// Compile-time interface check
var _ Runtime = (*MockRuntime)(nil)
