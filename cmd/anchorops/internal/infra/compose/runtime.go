// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose implements infra.Runtime for the containerized form of
// the stack by driving the compose CLI.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/process"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrComposeFileMissing is returned when the base compose file is absent.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrInvalidConfig is returned when Config is invalid.
	ErrInvalidConfig = errors.New("invalid compose configuration")

	// ErrInvalidEnvVar is returned when an environment variable key is
	// invalid. This prevents injecting flags through malformed names.
	ErrInvalidEnvVar = errors.New("invalid environment variable")
)

// envVarKeyRegex validates environment variable key names.
var envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the compose runtime.
type Config struct {
	// StackDir contains the compose files. Required.
	StackDir string

	// ProjectName is the compose project name. Default: "anchor"
	ProjectName string

	// Command is the compose invocation. Default: ["docker", "compose"]
	Command []string

	// Engine is the container engine binary used for liveness checks.
	// Default: first element of Command
	Engine string

	// Files are compose files relative to StackDir, applied in order.
	// Default: ["docker-compose.yml"]; files after the first are optional.
	Files []string

	// Services maps logical services to compose service names.
	// Unmapped services use their logical name.
	Services map[infra.Service]string

	// DefaultTimeout bounds every compose invocation. Default: 5 minutes
	DefaultTimeout time.Duration
}

// Runtime drives a compose project.
//
// # Thread Safety
//
// Safe for concurrent use; it holds no mutable state beyond construction.
type Runtime struct {
	config     Config
	proc       process.Manager
	logger     *slog.Logger
	osStatFunc func(string) (os.FileInfo, error)
}

// NewRuntime validates the configuration and applies defaults.
//
// # Inputs
//
//   - cfg: Compose configuration (StackDir required)
//   - proc: Process manager for command execution
//   - logger: Logger (nil for slog.Default)
//
// # Outputs
//
//   - *Runtime: Configured runtime
//   - error: ErrInvalidConfig when StackDir is empty
func NewRuntime(cfg Config, proc process.Manager, logger *slog.Logger) (*Runtime, error) {
	if cfg.StackDir == "" {
		return nil, fmt.Errorf("%w: StackDir is required", ErrInvalidConfig)
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: process manager is required", ErrInvalidConfig)
	}
	if cfg.ProjectName == "" {
		cfg.ProjectName = "anchor"
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"docker", "compose"}
	}
	if cfg.Engine == "" {
		cfg.Engine = cfg.Command[0]
	}
	if len(cfg.Files) == 0 {
		cfg.Files = []string{"docker-compose.yml"}
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		config:     cfg,
		proc:       proc,
		logger:     logger,
		osStatFunc: os.Stat,
	}, nil
}

// Mode returns infra.ModeContainer.
func (r *Runtime) Mode() infra.Mode {
	return infra.ModeContainer
}

// Ping runs "<engine> info".
func (r *Runtime) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, stderr, code, err := r.proc.RunInDir(ctx, r.config.StackDir, nil, r.config.Engine, "info")
	if err != nil {
		return fmt.Errorf("%w: %v", infra.ErrRuntimeUnavailable, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: %s info exited %d: %s", infra.ErrRuntimeUnavailable, r.config.Engine, code, strings.TrimSpace(stderr))
	}
	return nil
}

// Refresh pulls images for all services.
func (r *Runtime) Refresh(ctx context.Context) error {
	_, err := r.runCompose(ctx, r.config.DefaultTimeout, "pull")
	return err
}

// Start runs "up -d" for one service.
func (r *Runtime) Start(ctx context.Context, svc infra.Service) error {
	_, err := r.runCompose(ctx, r.config.DefaultTimeout, "up", "-d", r.serviceName(svc))
	return err
}

// Stop stops one service.
func (r *Runtime) Stop(ctx context.Context, svc infra.Service) error {
	_, err := r.runCompose(ctx, r.config.DefaultTimeout, "stop", r.serviceName(svc))
	return err
}

// Restart restarts one service.
func (r *Runtime) Restart(ctx context.Context, svc infra.Service) error {
	_, err := r.runCompose(ctx, r.config.DefaultTimeout, "restart", r.serviceName(svc))
	return err
}

// IsRunning lists running services and looks for svc.
func (r *Runtime) IsRunning(ctx context.Context, svc infra.Service) (bool, error) {
	stdout, err := r.runCompose(ctx, time.Minute, "ps", "--status", "running", "--services")
	if err != nil {
		return false, err
	}
	name := r.serviceName(svc)
	for _, line := range parseLines(stdout) {
		if line == name {
			return true, nil
		}
	}
	return false, nil
}

// Exec runs "exec -T" against a service.
//
// # Description
//
// Streams stdin/stdout when supplied (database dump and restore), otherwise
// captures output. A stopped container yields infra.ErrServiceNotRunning so
// callers can distinguish it from a failing command.
func (r *Runtime) Exec(ctx context.Context, opts infra.ExecOptions) (*infra.ExecResult, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	if err := validateEnvVars(opts.Env); err != nil {
		return nil, err
	}

	args := append(r.baseArgs(), "exec", "-T")
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	args = append(args, r.serviceName(opts.Service))
	args = append(args, opts.Command...)

	name, fullArgs := r.config.Command[0], append(append([]string{}, r.config.Command[1:]...), args...)
	r.logger.Debug("compose exec", "service", opts.Service, "command", opts.Command[0])

	var res infra.ExecResult
	if opts.Stdin != nil || opts.Stdout != nil {
		stderr, code, err := r.proc.RunPiped(ctx, process.PipeOptions{
			Dir:    r.config.StackDir,
			Name:   name,
			Args:   fullArgs,
			Stdin:  opts.Stdin,
			Stdout: opts.Stdout,
		})
		if err != nil {
			return nil, err
		}
		res = infra.ExecResult{ExitCode: code, Stderr: stderr}
	} else {
		stdout, stderr, code, err := r.proc.RunInDir(ctx, r.config.StackDir, nil, name, fullArgs...)
		if err != nil {
			return nil, err
		}
		res = infra.ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}
	}

	if res.ExitCode != 0 && isContainerNotRunning(res.Stderr) {
		return &res, fmt.Errorf("%w: %s", infra.ErrServiceNotRunning, opts.Service)
	}
	return &res, nil
}

// ComposeFiles returns the compose files that exist, base file first.
func (r *Runtime) ComposeFiles() []string {
	var files []string
	for i, f := range r.config.Files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.config.StackDir, f)
		}
		if i == 0 {
			files = append(files, path)
			continue
		}
		if _, err := r.osStatFunc(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}

// =============================================================================
// Internal helpers
// =============================================================================

func (r *Runtime) serviceName(svc infra.Service) string {
	if name, ok := r.config.Services[svc]; ok && name != "" {
		return name
	}
	return string(svc)
}

func (r *Runtime) baseArgs() []string {
	args := []string{"-p", r.config.ProjectName}
	for _, f := range r.ComposeFiles() {
		args = append(args, "-f", f)
	}
	return args
}

// runCompose runs a compose subcommand and returns stdout.
func (r *Runtime) runCompose(ctx context.Context, timeout time.Duration, sub ...string) (string, error) {
	base := r.ComposeFiles()[0]
	if _, err := r.osStatFunc(base); err != nil {
		return "", fmt.Errorf("%w: %s", ErrComposeFileMissing, base)
	}

	args := append(append([]string{}, r.config.Command[1:]...), r.baseArgs()...)
	args = append(args, sub...)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, code, err := r.proc.RunInDir(execCtx, r.config.StackDir, nil, r.config.Command[0], args...)
	r.logger.Debug("compose command", "args", strings.Join(sub, " "), "exit_code", code, "duration", time.Since(start))
	if err != nil {
		return stdout, fmt.Errorf("compose %s failed: %w", sub[0], err)
	}
	if code != 0 {
		return stdout, fmt.Errorf("compose %s exited with code %d: %s", sub[0], code, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func isContainerNotRunning(stderr string) bool {
	return strings.Contains(stderr, "is not running") ||
		strings.Contains(stderr, "No such container") ||
		(strings.Contains(stderr, "service \"") && strings.Contains(stderr, "not running"))
}

func validateEnvVars(env map[string]string) error {
	for key := range env {
		if !envVarKeyRegex.MatchString(key) {
			return fmt.Errorf("%w: key %q must match [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidEnvVar, key)
		}
	}
	return nil
}

func parseLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Compile-time interface check
var _ infra.Runtime = (*Runtime)(nil)
