// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
)

const (
	// MinSharedSecretLength is the shortest shared secret accepted.
	MinSharedSecretLength = 32

	// DefaultSharedSecretLength is used for freshly generated shared secrets.
	DefaultSharedSecretLength = 64
)

// Origin records where a synchronized value came from.
type Origin string

const (
	OriginPrimary   Origin = "primary"
	OriginSecondary Origin = "secondary"
	OriginGenerated Origin = "generated"
)

// SyncResult is the outcome of SynchronizeSharedSecret.
type SyncResult struct {
	Value  string
	Origin Origin
	Report envfile.SyncReport
}

// SynchronizeSharedSecret makes primary and secondary hold one value.
//
// # Description
//
// Precedence: the existing non-empty value in primary, else the one in
// secondary, else a freshly generated secret. A resolved value shorter
// than MinSharedSecretLength is treated as corrupt and nothing is written.
// Both files are then upserted and each is verified by re-reading.
// Running it twice without outside changes propagates the same value.
//
// # Outputs
//
//   - SyncResult: Value, Origin and the per-file report
//   - error: ErrSecretTooShort, read errors, or *envfile.ReconciliationError
func (g *Generator) SynchronizeSharedSecret(primary, secondary envfile.Target) (SyncResult, error) {
	value, origin, err := g.resolve(primary, secondary)
	if err != nil {
		return SyncResult{}, err
	}
	if n := len(value); n < MinSharedSecretLength {
		return SyncResult{Origin: origin}, fmt.Errorf("%w: %s value has %d characters, need %d; fix or remove it and re-run",
			ErrSecretTooShort, origin, n, MinSharedSecretLength)
	}

	report, err := envfile.UpsertAll([]envfile.Target{primary, secondary}, value)
	res := SyncResult{Value: value, Origin: origin, Report: report}
	if err != nil {
		return res, err
	}
	g.logger.Info("shared secret synchronized",
		"origin", origin, "primary", primary.String(), "secondary", secondary.String())
	return res, nil
}

func (g *Generator) resolve(primary, secondary envfile.Target) (string, Origin, error) {
	for _, c := range []struct {
		t      envfile.Target
		origin Origin
	}{{primary, OriginPrimary}, {secondary, OriginSecondary}} {
		v, _, err := envfile.ReadValue(c.t.Path, c.t.Key)
		if err != nil {
			return "", "", err
		}
		if v = strings.TrimSpace(v); v != "" {
			return v, c.origin, nil
		}
	}
	s, err := g.Generate(DefaultSharedSecretLength)
	if err != nil {
		return "", "", err
	}
	return s.Value, OriginGenerated, nil
}

// =============================================================================
// Regeneration
// =============================================================================

// RegenerateOptions names the consumers and dependent services of a shared
// secret.
type RegenerateOptions struct {
	// Consumers are every file/key holding the secret.
	Consumers []envfile.Target

	// Dependents are restarted after the update when running.
	Dependents []infra.Service

	// Length defaults to DefaultSharedSecretLength.
	Length int
}

// RegenerateResult reports what a regeneration did.
type RegenerateResult struct {
	// Aborted is true when the operator declined; nothing was changed.
	Aborted bool

	Report    envfile.SyncReport
	Restarted []infra.Service
	Warnings  []string

	// RolledBack lists consumers restored to the old value after a partial
	// failure.
	RolledBack []envfile.Target
}

// RegenerateSharedSecret replaces a shared secret everywhere.
//
// # Description
//
// Asks for confirmation first, since every token issued with the old
// secret stops validating. Always generates a fresh value. All consumers
// are written and verified; if any fails, the consumers already written
// are put back to their previous state, removing a key that was absent
// before, and a *envfile.ReconciliationError is returned naming each
// file's outcome. On success running dependents are restarted; when none
// is running a warning says a manual restart is required.
//
// # Inputs
//
//   - ctx: Bounds confirmation and restarts
//   - confirm: Operator confirmation port
//   - rt: Service runtime for dependent restarts
//   - opts: Consumers, dependents, length
//
// # Outputs
//
//   - *RegenerateResult: Never nil
//   - error: Generation, reconciliation or restart failure
func (g *Generator) RegenerateSharedSecret(ctx context.Context, confirm prompt.Confirmer, rt infra.Runtime, opts RegenerateOptions) (*RegenerateResult, error) {
	result := &RegenerateResult{}
	if len(opts.Consumers) == 0 {
		return result, errors.New("no consumers configured for shared secret")
	}

	ok, err := confirm.Confirm(ctx, fmt.Sprintf(
		"Regenerate the shared secret in %d file(s)? Tokens signed with the current secret will stop working.",
		len(opts.Consumers)))
	if err != nil {
		return result, err
	}
	if !ok {
		result.Aborted = true
		return result, nil
	}

	length := opts.Length
	if length <= 0 {
		length = DefaultSharedSecretLength
	}
	if length < MinSharedSecretLength {
		return result, fmt.Errorf("%w: requested %d", ErrSecretTooShort, length)
	}

	type prior struct {
		value   string
		present bool
	}
	previous := make(map[envfile.Target]prior, len(opts.Consumers))
	for _, t := range opts.Consumers {
		v, ok, err := envfile.ReadValue(t.Path, t.Key)
		if err != nil {
			return result, err
		}
		previous[t] = prior{value: v, present: ok}
	}

	secret, err := g.Generate(length)
	if err != nil {
		return result, err
	}

	report, syncErr := envfile.UpsertAll(opts.Consumers, secret.Value)
	result.Report = report
	if syncErr != nil {
		for _, t := range report.Succeeded {
			restore := func() error { return envfile.Remove(t.Path, t.Key) }
			if p := previous[t]; p.present {
				restore = func() error { return envfile.Upsert(t.Path, t.Key, p.value) }
			}
			if err := restore(); err != nil {
				g.logger.Error("rollback of shared secret failed", "target", t.String(), "error", err)
				continue
			}
			result.RolledBack = append(result.RolledBack, t)
		}
		return result, syncErr
	}

	for _, svc := range opts.Dependents {
		running, err := rt.IsRunning(ctx, svc)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not check %s: %v", svc, err))
			continue
		}
		if !running {
			continue
		}
		if err := rt.Restart(ctx, svc); err != nil {
			return result, fmt.Errorf("secret updated but restart of %s failed: %w", svc, err)
		}
		result.Restarted = append(result.Restarted, svc)
	}

	if len(result.Restarted) == 0 {
		names := make([]string, 0, len(opts.Dependents))
		for _, s := range opts.Dependents {
			names = append(names, string(s))
		}
		result.Warnings = append(result.Warnings,
			"no dependent service was running; restart manually for the new secret to take effect: "+strings.Join(names, ", "))
	}
	g.logger.Info("shared secret regenerated", "consumers", len(opts.Consumers), "restarted", len(result.Restarted))
	return result, nil
}
