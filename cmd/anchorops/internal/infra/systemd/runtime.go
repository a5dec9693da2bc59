// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package systemd implements infra.Runtime for the host form of the stack:
// services are systemd units controlled over D-Bus and commands run directly
// on the host.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/process"
)

// ErrJobFailed is returned when systemd reports a job result other than
// "done".
var ErrJobFailed = errors.New("systemd job failed")

// DBusAPI is the subset of *dbus.Conn used here.
type DBusAPI interface {
	Close()
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ReloadContext(ctx context.Context) error
}

// Config configures the host runtime.
type Config struct {
	// Units maps logical services to unit names. Unmapped services use
	// "<service>.service".
	Units map[infra.Service]string

	// WorkDirs sets the working directory for Exec per service.
	WorkDirs map[infra.Service]string

	// JobTimeout bounds each start/stop/restart job. Default: 2 minutes
	JobTimeout time.Duration
}

// Runtime drives systemd units over D-Bus.
type Runtime struct {
	config  Config
	proc    process.Manager
	logger  *slog.Logger
	newConn func(ctx context.Context) (DBusAPI, error)
}

// NewRuntime creates a host runtime using the system bus.
func NewRuntime(cfg Config, proc process.Manager, logger *slog.Logger) *Runtime {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		config: cfg,
		proc:   proc,
		logger: logger,
		newConn: func(ctx context.Context) (DBusAPI, error) {
			return dbus.NewWithContext(ctx)
		},
	}
}

// WithConnFactory replaces the D-Bus connection factory. Used by tests.
func (r *Runtime) WithConnFactory(f func(ctx context.Context) (DBusAPI, error)) *Runtime {
	r.newConn = f
	return r
}

// Mode returns infra.ModeHost.
func (r *Runtime) Mode() infra.Mode {
	return infra.ModeHost
}

// Ping connects to systemd and queries the mapped units.
func (r *Runtime) Ping(ctx context.Context) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ListUnitsByNamesContext(ctx, r.allUnits()); err != nil {
		return fmt.Errorf("%w: %v", infra.ErrRuntimeUnavailable, err)
	}
	return nil
}

// Refresh reloads unit files (daemon-reload).
func (r *Runtime) Refresh(ctx context.Context) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon reload failed: %w", err)
	}
	return nil
}

// Start starts the unit unless it is already active.
func (r *Runtime) Start(ctx context.Context, svc infra.Service) error {
	running, err := r.IsRunning(ctx, svc)
	if err != nil {
		return err
	}
	if running {
		r.logger.Debug("unit already active", "unit", r.unitName(svc))
		return nil
	}
	return r.job(ctx, "start", svc, func(c DBusAPI, name string, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, name, "replace", ch)
	})
}

// Stop stops the unit unless it is already inactive.
func (r *Runtime) Stop(ctx context.Context, svc infra.Service) error {
	running, err := r.IsRunning(ctx, svc)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	return r.job(ctx, "stop", svc, func(c DBusAPI, name string, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, name, "replace", ch)
	})
}

// Restart restarts the unit.
func (r *Runtime) Restart(ctx context.Context, svc infra.Service) error {
	return r.job(ctx, "restart", svc, func(c DBusAPI, name string, ch chan<- string) (int, error) {
		return c.RestartUnitContext(ctx, name, "replace", ch)
	})
}

// IsRunning reports whether the unit is loaded and active.
func (r *Runtime) IsRunning(ctx context.Context, svc infra.Service) (bool, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	name := r.unitName(svc)
	units, err := conn.ListUnitsByNamesContext(ctx, []string{name})
	if err != nil {
		return false, fmt.Errorf("failed to query unit %s: %w", name, err)
	}
	for _, u := range units {
		if u.Name == name {
			return u.LoadState == "loaded" && u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Exec runs the command on the host in the service's working directory.
func (r *Runtime) Exec(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("exec for %s: command is required", opts.Service)
	}

	var env []string
	if len(opts.Env) > 0 {
		env = os.Environ()
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+opts.Env[k])
		}
	}
	dir := r.config.WorkDirs[opts.Service]

	if opts.Stdin != nil || opts.Stdout != nil {
		stderr, code, err := r.proc.RunPiped(ctx, process.PipeOptions{
			Dir:    dir,
			Env:    env,
			Name:   opts.Command[0],
			Args:   opts.Command[1:],
			Stdin:  opts.Stdin,
			Stdout: opts.Stdout,
		})
		if err != nil {
			return nil, err
		}
		return &infra.ExecResult{ExitCode: code, Stderr: stderr}, nil
	}

	stdout, stderr, code, err := r.proc.RunInDir(ctx, dir, env, opts.Command[0], opts.Command[1:]...)
	if err != nil {
		return nil, err
	}
	return &infra.ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

// =============================================================================
// Internal helpers
// =============================================================================

func (r *Runtime) connect(ctx context.Context) (DBusAPI, error) {
	conn, err := r.newConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dbus: %v", infra.ErrRuntimeUnavailable, err)
	}
	return conn, nil
}

func (r *Runtime) unitName(svc infra.Service) string {
	if name, ok := r.config.Units[svc]; ok && name != "" {
		return name
	}
	return string(svc) + ".service"
}

func (r *Runtime) allUnits() []string {
	units := make([]string, 0, len(infra.AllServices))
	for _, s := range infra.AllServices {
		units = append(units, r.unitName(s))
	}
	return units
}

// job submits a unit job and waits for its result within JobTimeout.
func (r *Runtime) job(ctx context.Context, op string, svc infra.Service, submit func(DBusAPI, string, chan<- string) (int, error)) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	name := r.unitName(svc)
	statusCh := make(chan string, 1)
	if _, err := submit(conn, name, statusCh); err != nil {
		return fmt.Errorf("dbus %s request for %s failed: %w", op, name, err)
	}

	timer := time.NewTimer(r.config.JobTimeout)
	defer timer.Stop()

	select {
	case status := <-statusCh:
		if status != "done" {
			return fmt.Errorf("%w: %s %s (status %q)", ErrJobFailed, op, name, status)
		}
		r.logger.Debug("unit job done", "op", op, "unit", name)
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s %s", infra.ErrWaitTimeout, op, name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time interface check
var _ infra.Runtime = (*Runtime)(nil)
