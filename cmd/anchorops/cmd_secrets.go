// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/cmd/anchorops/config"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/install"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/secrets"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

// webhookTargets returns the chain-side and web-side holders of the shared
// webhook secret, primary first.
func webhookTargets(cfg *config.DeploymentConfig) (primary, secondary envfile.Target) {
	return envfile.Target{Path: cfg.EnvFiles.Chain, Key: install.KeyWebhookSecret},
		envfile.Target{Path: cfg.EnvFiles.Web, Key: install.KeyWebWebhook}
}

// webhookDependents are restarted after the secret changes.
var webhookDependents = []infra.Service{infra.ServiceBlockchain, infra.ServiceWeb, infra.ServiceQueue}

func runSecretsSync(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	primary, secondary := webhookTargets(a.cfg)
	return a.operation(cmd.Context(), "secrets-sync", "", true, func(ctx context.Context) (outcome, error) {
		res, err := secrets.NewGenerator(a.logger).SynchronizeSharedSecret(primary, secondary)
		renderSyncReport(a.out, res.Report)
		if err != nil {
			return outcome{}, err
		}
		a.out.Success(fmt.Sprintf("Webhook secret synchronized (taken from %s).", res.Origin))
		return outcome{detail: "origin=" + string(res.Origin)}, nil
	})
}

func runSecretsRegenerate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	primary, secondary := webhookTargets(a.cfg)
	return a.operation(cmd.Context(), "secrets-regenerate", "", true, func(ctx context.Context) (outcome, error) {
		res, err := secrets.NewGenerator(a.logger).RegenerateSharedSecret(ctx, a.confirm, a.rt, secrets.RegenerateOptions{
			Consumers:  []envfile.Target{primary, secondary},
			Dependents: webhookDependents,
		})
		if res != nil {
			renderSyncReport(a.out, res.Report)
			for _, t := range res.RolledBack {
				a.out.Status(ux.IconWarning, t.String(), "rolled back to the previous value")
			}
		}
		if err != nil {
			return outcome{}, err
		}
		if res.Aborted {
			a.out.Info("Regeneration cancelled; nothing was changed.")
			return outcome{status: oplog.StatusAborted}, nil
		}
		for _, w := range res.Warnings {
			a.out.Warning(w)
		}
		restarted := make([]string, 0, len(res.Restarted))
		for _, s := range res.Restarted {
			restarted = append(restarted, string(s))
		}
		a.out.Success("Webhook secret regenerated.")
		if len(restarted) > 0 {
			a.out.Info("Restarted: " + strings.Join(restarted, ", "))
		}
		return outcome{detail: joinNonEmpty("restarted="+strings.Join(restarted, ","), strings.Join(res.Warnings, "; "))}, nil
	})
}

// credentialCheck is one stored credential and its verdict.
type credentialCheck struct {
	Key      string
	Warnings []string
	Err      error
}

// checkCredentials validates each key's value in the root env for tier.
func checkCredentials(rootEnv string, tier validation.Tier, keys []string) ([]credentialCheck, error) {
	f, err := envfile.Load(rootEnv)
	if err != nil {
		return nil, err
	}
	out := make([]credentialCheck, 0, len(keys))
	for _, k := range keys {
		v, _ := f.Get(k)
		warnings, err := validation.ValidateCredentialForTier(v, tier)
		out = append(out, credentialCheck{Key: k, Warnings: warnings, Err: err})
	}
	return out, nil
}

func runCredentialsCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := checkCredentials(a.cfg.EnvFiles.Root, a.tier.Tier,
		[]string{install.KeyDBRootPassword, install.KeyDBPassword, install.KeyCachePassword})
	if err != nil {
		return err
	}
	a.out.Title(fmt.Sprintf("Credentials (%s tier)", a.tier.Tier))
	var failed []error
	for _, r := range results {
		switch {
		case r.Err != nil:
			a.out.Status(ux.IconError, r.Key, r.Err.Error())
			failed = append(failed, fmt.Errorf("%s: %w", r.Key, r.Err))
		case len(r.Warnings) > 0:
			a.out.Status(ux.IconWarning, r.Key, strings.Join(r.Warnings, "; "))
		default:
			a.out.Status(ux.IconSuccess, r.Key, "ok")
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w\n  fix: anchorops install regenerates rejected credentials", errors.Join(failed...))
	}
	return nil
}
