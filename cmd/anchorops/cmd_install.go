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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/install"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

func runPreflight(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.operation(cmd.Context(), "preflight", "", false, func(ctx context.Context) (outcome, error) {
		report := validation.Preflight(ctx, a.rt, validation.NewDefaultProber(), a.lock,
			validation.DefaultPreflightOptions(a.cfg.StackDir))
		a.out.Title("Preflight")
		renderPreflight(a.out, report)
		if !report.Passed() {
			return outcome{}, fmt.Errorf("%w\n%s", validation.ErrPreflightFailed, report.Summary())
		}
		a.out.Success(report.Summary())
		return outcome{detail: fmt.Sprintf("%d checks, %d warnings", len(report.Results), len(report.Warnings()))}, nil
	})
}

func runTier(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.out.Status(ux.IconArrow, string(a.tier.Tier), "decided by "+a.tier.Source)
	return nil
}

func runDomainCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	domain := a.cfg.Domain
	if len(args) == 1 {
		domain = args[0]
	}
	reasons := validation.CertificateDomainRejections(domain)
	if len(reasons) == 0 {
		a.out.Success(domain + " can receive a public certificate")
		return nil
	}
	for _, r := range reasons {
		a.out.Status(ux.IconError, domain, r)
	}
	return fmt.Errorf("%q is not eligible for a certificate", domain)
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	opts := install.Options{
		Only:              installOnly,
		From:              installFrom,
		SkipPreflight:     skipPreflight,
		OverridePreflight: overridePreflight,
	}
	detail := fmt.Sprintf("mode=%s tier=%s target=%s", a.cfg.Mode, a.tier.Tier, a.cfg.Target())
	if opts.Only != "" {
		detail += " only=" + opts.Only
	} else if opts.From != "" {
		detail += " from=" + opts.From
	}

	return a.operation(cmd.Context(), "install", detail, true, func(ctx context.Context) (outcome, error) {
		report, err := orch.Run(ctx, opts)
		if report != nil {
			renderInstall(a.out, report)
		}
		if err != nil {
			return outcome{}, err
		}
		if report.Aborted {
			a.out.Warning("Installation aborted at preflight; nothing was changed.")
			return outcome{status: oplog.StatusAborted, detail: "declined after failed preflight"}, nil
		}

		var deferred []string
		for _, res := range report.Results {
			if res.Status == install.StatusDeferred {
				deferred = append(deferred, res.Name+": "+res.Detail)
			}
		}
		if len(deferred) > 0 {
			a.out.WarningBox("Action needed", strings.Join(deferred, "\n"))
		} else {
			a.out.Success("Installation complete.")
		}
		return outcome{status: installStatus(report), detail: fmt.Sprintf("%d steps", len(report.Results))}, nil
	})
}
