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
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/backup"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/offsite"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

func runBackup(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var up *offsite.GCSUploader
	if backupOffsite {
		if up, err = a.uploader(cmd.Context()); err != nil {
			return err
		}
	}
	eng, closeEngine, err := a.engine(cmd.Context(), up)
	if err != nil {
		return err
	}
	defer closeEngine()

	if len(args) == 0 {
		return a.operation(cmd.Context(), "backup", "full", true, func(ctx context.Context) (outcome, error) {
			report := eng.FullBackup(ctx)
			a.out.Title("Backup")
			renderFullBackup(a.out, report, time.Now())
			status := backupStatus(report.Outcome)
			detail := fmt.Sprintf("%d/%d components", len(report.Components)-len(report.Failed()), len(report.Components))
			switch report.Outcome {
			case backup.OutcomeFailed:
				return outcome{}, fmt.Errorf("every backup component failed")
			case backup.OutcomePartial:
				a.out.Warning("Backup partially succeeded; see the failed components above.")
			default:
				a.out.Success("Backup complete.")
			}
			return outcome{status: status, detail: detail}, nil
		})
	}

	kind := backup.Kind(args[0])
	return a.operation(cmd.Context(), "backup-"+args[0], "", true, func(ctx context.Context) (outcome, error) {
		var (
			art *backup.Artifact
			err error
		)
		switch kind {
		case backup.KindDatabase:
			art, err = eng.BackupDatabase(ctx)
		case backup.KindCache:
			art, err = eng.BackupCache(ctx)
		case backup.KindConfig:
			art, err = eng.BackupConfig(ctx)
		default:
			return outcome{}, fmt.Errorf("unknown backup kind %q", kind)
		}
		if err != nil {
			return outcome{}, err
		}
		a.out.Status(ux.IconSuccess, string(kind), art.Describe(time.Now()))
		detail := art.Name()
		if up != nil {
			remote, err := up.Upload(ctx, art.Path)
			if err != nil {
				a.out.Status(ux.IconWarning, "offsite", err.Error())
				return outcome{status: oplog.StatusPartial, detail: detail + "; offsite copy failed"}, nil
			}
			a.out.Status(ux.IconSuccess, "offsite", remote)
			detail += " -> " + remote
		}
		return outcome{detail: detail}, nil
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	eng, closeEngine, err := a.engine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	kind, ref := backup.Kind(args[0]), args[1]
	opts := backup.RestoreOptions{AllowOutsideDir: allowOutside}
	return a.operation(cmd.Context(), "restore-"+args[0], ref, true, func(ctx context.Context) (outcome, error) {
		var (
			res *backup.RestoreResult
			err error
		)
		switch kind {
		case backup.KindDatabase:
			res, err = eng.RestoreDatabase(ctx, ref, opts)
		case backup.KindCache:
			res, err = eng.RestoreCache(ctx, ref, opts)
		default:
			return outcome{}, fmt.Errorf("cannot restore %q: only database and cache artifacts are restorable", kind)
		}
		if err != nil {
			return outcome{}, err
		}
		if res.Aborted {
			a.out.Info("Restore cancelled; nothing was changed.")
			return outcome{status: oplog.StatusAborted}, nil
		}
		a.out.Success(fmt.Sprintf("Restored %s from %s.", kind, res.Artifact.Name()))
		return outcome{detail: res.Artifact.Name()}, nil
	})
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	artifacts, err := backup.ListArtifacts(a.cfg.Backup.Dir)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		a.out.Info("No backups in " + a.cfg.Backup.Dir)
		return nil
	}
	var total int64
	for _, art := range artifacts {
		total += art.Size
	}
	a.out.Table([]string{"NAME", "KIND", "SIZE", "AGE"}, backupRows(artifacts, time.Now()))
	a.out.Info(fmt.Sprintf("%d artifacts, %s in %s", len(artifacts), humanize.Bytes(uint64(total)), a.cfg.Backup.Dir))
	return nil
}

func runBackupsClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if cleanDays < 1 {
		return fmt.Errorf("--days must be at least 1")
	}
	eng, closeEngine, err := a.engine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	return a.operation(cmd.Context(), "backups-clean", fmt.Sprintf("days=%d", cleanDays), true,
		func(ctx context.Context) (outcome, error) {
			res, err := eng.CleanOldBackups(ctx, cleanDays)
			if err != nil {
				return outcome{}, err
			}
			switch {
			case len(res.Candidates) == 0:
				a.out.Info(fmt.Sprintf("Nothing older than %d days.", cleanDays))
				return outcome{status: oplog.StatusSkipped}, nil
			case res.Aborted:
				a.out.Info("Clean cancelled; nothing was deleted.")
				return outcome{status: oplog.StatusAborted, detail: fmt.Sprintf("%d candidates kept", len(res.Candidates))}, nil
			}
			for _, art := range res.Deleted {
				a.out.Status(ux.IconSuccess, art.Name(), "deleted")
			}
			return outcome{detail: fmt.Sprintf("deleted %d of %d", len(res.Deleted), len(res.Candidates))}, nil
		})
}
