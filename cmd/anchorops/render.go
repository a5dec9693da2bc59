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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/backup"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/install"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

func checkIcon(s validation.CheckStatus) ux.Icon {
	switch s {
	case validation.CheckPass:
		return ux.IconSuccess
	case validation.CheckWarn:
		return ux.IconWarning
	default:
		return ux.IconError
	}
}

func stepIcon(s install.StepStatus) ux.Icon {
	switch s {
	case install.StatusSatisfied, install.StatusSucceeded:
		return ux.IconSuccess
	case install.StatusSkipped:
		return ux.IconSkipped
	case install.StatusDeferred:
		return ux.IconWarning
	case install.StatusNotRun:
		return ux.IconPending
	default:
		return ux.IconError
	}
}

func renderPreflight(p *ux.Printer, r *validation.PreflightReport) {
	for _, res := range r.Results {
		note := res.Message
		if res.Err != nil && res.Err.Remediation != "" && res.Status != validation.CheckPass {
			note += " (" + res.Err.Remediation + ")"
		}
		p.Status(checkIcon(res.Status), res.Name, note)
	}
}

func renderInstall(p *ux.Printer, r *install.Report) {
	if r.Preflight != nil && !r.Preflight.Passed() {
		p.Title("Preflight")
		renderPreflight(p, r.Preflight)
	}
	p.Title(fmt.Sprintf("Installation (%s tier)", r.Tier))
	for _, res := range r.Results {
		note := string(res.Status)
		if res.Detail != "" {
			note += ": " + res.Detail
		}
		if res.Duration > 0 {
			note += fmt.Sprintf(" [%s]", res.Duration.Round(100*time.Millisecond))
		}
		p.Status(stepIcon(res.Status), res.Name, note)
	}
}

// installStatus maps an install report onto an oplog status.
func installStatus(r *install.Report) oplog.Status {
	if r.Aborted {
		return oplog.StatusAborted
	}
	for _, res := range r.Results {
		if res.Status == install.StatusDeferred {
			return oplog.StatusPartial
		}
	}
	return oplog.StatusSucceeded
}

func renderSyncReport(p *ux.Printer, r envfile.SyncReport) {
	for _, t := range r.Succeeded {
		p.Status(ux.IconSuccess, t.String(), "written and verified")
	}
	failed := make([]envfile.Target, 0, len(r.Failed))
	for t := range r.Failed {
		failed = append(failed, t)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].String() < failed[j].String() })
	for _, t := range failed {
		p.Status(ux.IconError, t.String(), r.Failed[t].Error())
	}
}

// backupRows renders artifacts newest first.
func backupRows(artifacts []backup.Artifact, now time.Time) [][]string {
	sorted := append([]backup.Artifact(nil), artifacts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.After(sorted[j].Time) })
	rows := make([][]string, 0, len(sorted))
	for _, a := range sorted {
		rows = append(rows, []string{
			a.Name(),
			string(a.Kind),
			humanize.Bytes(uint64(a.Size)),
			humanize.RelTime(a.Time, now, "ago", "from now"),
		})
	}
	return rows
}

func renderFullBackup(p *ux.Printer, r *backup.FullReport, now time.Time) {
	for _, c := range r.Components {
		switch {
		case c.Err != nil:
			p.Status(ux.IconError, string(c.Kind), c.Err.Error())
		case c.UploadErr != nil:
			p.Status(ux.IconWarning, string(c.Kind), c.Artifact.Describe(now)+"; offsite copy failed: "+c.UploadErr.Error())
		default:
			note := c.Artifact.Describe(now)
			if c.Remote != "" {
				note += " -> " + c.Remote
			}
			p.Status(ux.IconSuccess, string(c.Kind), note)
		}
	}
}

// backupStatus maps a full backup outcome onto an oplog status.
func backupStatus(o backup.Outcome) oplog.Status {
	switch o {
	case backup.OutcomeSucceeded:
		return oplog.StatusSucceeded
	case backup.OutcomePartial:
		return oplog.StatusPartial
	default:
		return oplog.StatusFailed
	}
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
