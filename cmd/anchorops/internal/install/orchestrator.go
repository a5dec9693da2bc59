// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package install runs the ordered provisioning sequence.
//
// Each step has an idempotency check and an action. A step whose check
// passes is reported as satisfied and not run again, so an install that
// failed halfway can simply be re-run. The first failing step stops the
// sequence with a StepError naming the command that retries just that step.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/clients"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/metrics"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/network"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/secrets"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrUnknownStep is returned for --only/--from names that do not exist
	// in the current mode.
	ErrUnknownStep = errors.New("unknown installation step")

	// ErrIneligibleDomain is returned by the certificate step in production.
	ErrIneligibleDomain = errors.New("domain is not eligible for a certificate")
)

// StepError is a failed step with the command that retries it.
type StepError struct {
	Step        string
	Err         error
	Remediation string
}

// Error implements the error interface.
func (e *StepError) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	if e.Remediation != "" {
		msg += "\n  fix: " + e.Remediation
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error { return e.Err }

// skipError marks a deliberate skip from inside a step action.
type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

// skip returns an error that makes the step report StatusSkipped.
func skip(format string, args ...any) error {
	return &skipError{reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// Supporting Types
// =============================================================================

// StepStatus is the recorded outcome of a step.
type StepStatus string

const (
	StatusSatisfied StepStatus = "satisfied"
	StatusSucceeded StepStatus = "succeeded"
	StatusSkipped   StepStatus = "skipped"
	StatusDeferred  StepStatus = "deferred"
	StatusFailed    StepStatus = "failed"
	StatusNotRun    StepStatus = "not-run"
)

// StepResult is one step's outcome.
type StepResult struct {
	Name     string
	Status   StepStatus
	Detail   string
	Duration time.Duration
}

// Report is the outcome of Run.
type Report struct {
	Tier    validation.Tier
	Results []StepResult

	// Preflight is nil when preflight was skipped.
	Preflight *validation.PreflightReport

	// Aborted is true when the operator declined to continue past a failed
	// preflight.
	Aborted bool
}

// Step is one provisioning step.
type Step struct {
	Name string

	// Optional steps may skip themselves when their inputs are absent.
	Optional bool

	// Modes restricts the step to deployment forms. Nil means all.
	Modes []infra.Mode

	// Check reports whether the step's end state already holds.
	Check func(ctx context.Context) (bool, error)

	// Run performs the step. Returning skip(...) reports it skipped;
	// returning deferred(...) reports it deferred.
	Run func(ctx context.Context) (string, error)
}

func (s Step) appliesTo(mode infra.Mode) bool {
	if len(s.Modes) == 0 {
		return true
	}
	for _, m := range s.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Options selects what Run does.
type Options struct {
	// Only runs a single step.
	Only string

	// From starts at the named step and runs to the end.
	From string

	// SkipPreflight bypasses the preflight gate entirely.
	SkipPreflight bool

	// OverridePreflight continues past preflight failures without asking.
	OverridePreflight bool
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Runtime  infra.Runtime
	Prober   validation.Prober
	Instance validation.InstanceProbe
	Confirm  prompt.Confirmer
	Secrets  *secrets.Generator
	Network  *network.Reconciler

	// NewDatabase builds a client for the given admin credentials.
	NewDatabase func(admin clients.Credentials) clients.DatabaseClient

	// NewCache builds a client for the given password.
	NewCache func(password string) clients.CacheClient

	// HTTP downloads optional extras. Default: 60s timeout client.
	HTTP *http.Client

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs the installation sequence.
//
// # Thread Safety
//
// Not safe for concurrent use. Callers hold the process lock.
type Orchestrator struct {
	settings Settings
	deps     Deps
	steps    []Step
	logger   *slog.Logger
}

// NewOrchestrator builds the step table for settings.Mode.
func NewOrchestrator(settings Settings, deps Deps) *Orchestrator {
	settings = settings.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	o := &Orchestrator{
		settings: settings,
		deps:     deps,
		logger:   deps.Logger.With("tier", string(settings.Tier), "mode", string(settings.Mode)),
	}
	o.steps = o.buildSteps()
	return o
}

// StepNames lists the steps for the configured mode, in order.
func (o *Orchestrator) StepNames() []string {
	var names []string
	for _, s := range o.steps {
		if s.appliesTo(o.settings.Mode) {
			names = append(names, s.Name)
		}
	}
	return names
}

func (o *Orchestrator) selectSteps(opts Options) ([]Step, error) {
	var active []Step
	for _, s := range o.steps {
		if s.appliesTo(o.settings.Mode) {
			active = append(active, s)
		}
	}
	if opts.Only != "" && opts.From != "" {
		return nil, errors.New("--only and --from are mutually exclusive")
	}
	name := opts.Only
	if name == "" {
		name = opts.From
	}
	if name == "" {
		return active, nil
	}
	for i, s := range active {
		if s.Name != name {
			continue
		}
		if opts.Only != "" {
			return active[i : i+1], nil
		}
		return active[i:], nil
	}
	return nil, fmt.Errorf("%w: %q (valid in %s mode: %s)", ErrUnknownStep, name, o.settings.Mode, strings.Join(o.StepNames(), ", "))
}

// Run executes the sequence.
//
// # Description
//
// Runs the preflight gate, then each selected step in order. A step whose
// Check passes is recorded as satisfied. The first failure stops the run;
// remaining steps are recorded as not-run and a *StepError is returned.
// Skipped and deferred steps never count as success.
//
// # Outputs
//
//   - *Report: Never nil
//   - error: *StepError, ErrUnknownStep, validation.ErrPreflightFailed or
//     a confirmation error
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{Tier: o.settings.Tier}

	steps, err := o.selectSteps(opts)
	if err != nil {
		return report, err
	}

	if !opts.SkipPreflight {
		proceed, err := o.preflightGate(ctx, report, opts.OverridePreflight)
		if err != nil || !proceed {
			return report, err
		}
	}

	for i, s := range steps {
		res, err := o.runStep(ctx, s)
		report.Results = append(report.Results, res)
		o.deps.Metrics.ObserveStep(s.Name, string(res.Status))
		if err == nil {
			continue
		}
		for _, rest := range steps[i+1:] {
			report.Results = append(report.Results, StepResult{Name: rest.Name, Status: StatusNotRun})
		}
		return report, &StepError{
			Step:        s.Name,
			Err:         err,
			Remediation: "fix the cause above, then run: anchorops install --only " + s.Name,
		}
	}
	return report, nil
}

func (o *Orchestrator) runStep(ctx context.Context, s Step) (StepResult, error) {
	start := time.Now()
	res := StepResult{Name: s.Name}
	log := o.logger.With("step", s.Name)

	if s.Check != nil {
		done, err := s.Check(ctx)
		if err != nil {
			log.Debug("idempotency check inconclusive", "error", err)
		}
		if done && err == nil {
			res.Status = StatusSatisfied
			res.Duration = time.Since(start)
			log.Info("step already satisfied")
			return res, nil
		}
	}

	log.Info("step starting")
	detail, err := s.Run(ctx)
	res.Duration = time.Since(start)
	res.Detail = detail

	var sk *skipError
	var df *deferError
	switch {
	case errors.As(err, &sk):
		res.Status = StatusSkipped
		res.Detail = sk.reason
		log.Warn("step skipped", "reason", sk.reason)
		return res, nil
	case errors.As(err, &df):
		res.Status = StatusDeferred
		res.Detail = df.reason
		log.Warn("step deferred", "reason", df.reason)
		return res, nil
	case err != nil:
		res.Status = StatusFailed
		res.Detail = err.Error()
		log.Error("step failed", "error", err)
		return res, err
	}
	res.Status = StatusSucceeded
	log.Info("step succeeded", "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// deferError marks work that will complete later without operator action
// now, such as a restart the operator postponed.
type deferError struct{ reason string }

func (e *deferError) Error() string { return e.reason }

func deferred(reason string) error { return &deferError{reason: reason} }

// preflightGate runs the aggregate checks and decides whether to continue.
func (o *Orchestrator) preflightGate(ctx context.Context, report *Report, override bool) (bool, error) {
	pf := validation.Preflight(ctx, o.deps.Runtime, o.deps.Prober, o.deps.Instance,
		validation.DefaultPreflightOptions(o.settings.DataDir))
	report.Preflight = pf
	if pf.Passed() {
		return true, nil
	}

	if override {
		o.logger.Warn("continuing past failed preflight on operator override", "failures", len(pf.Failures()))
		return true, nil
	}

	ok, err := o.deps.Confirm.Confirm(ctx, pf.Summary()+"\nPreflight failed. Continue anyway?")
	if errors.Is(err, prompt.ErrNonInteractive) {
		return false, fmt.Errorf("%w: re-run with --override-preflight to continue anyway\n%s", validation.ErrPreflightFailed, pf.Summary())
	}
	if err != nil {
		return false, err
	}
	if !ok {
		report.Aborted = true
		return false, nil
	}
	o.logger.Warn("continuing past failed preflight on operator confirmation")
	return true, nil
}
