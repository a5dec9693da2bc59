// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup creates and restores verified compressed snapshots of the
// stack's database, cache and configuration files.
//
// Every artifact is written under a ".partial" name, verified by a full
// decompression pass and only then renamed into place. A failure at any
// point removes the partial file, so the backup directory only ever holds
// complete artifacts.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/clients"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/metrics"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/offsite"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrDirNotWritable is returned when the backup directory cannot be
	// written.
	ErrDirNotWritable = errors.New("backup directory not writable")

	// ErrDiskSpaceLow is returned below the hard free-space floor.
	ErrDiskSpaceLow = errors.New("not enough free disk space for backup")

	// ErrOutsideBackupDir is returned when a restore names a file outside
	// the backup directory without an explicit override.
	ErrOutsideBackupDir = errors.New("artifact is outside the backup directory")

	// ErrWrongKind is returned when restoring an artifact of another kind.
	ErrWrongKind = errors.New("artifact is of the wrong kind")

	// ErrNoConfigFiles is returned when none of the configured files exist.
	ErrNoConfigFiles = errors.New("no configuration files to back up")
)

const (
	// RestorePhrase must be typed to confirm a restore.
	RestorePhrase = "RESTORE"

	// CleanPhrase must be typed to confirm deleting old backups.
	CleanPhrase = "DELETE"
)

// Config configures an Engine.
type Config struct {
	// Dir holds all artifacts.
	Dir string

	// MinFreeGB is the hard free-space floor on Dir. Default: 10
	MinFreeGB int64

	// Database is the database name to dump.
	Database string

	// CacheSnapshotPath is the cache's snapshot file on the host.
	CacheSnapshotPath string

	// ConfigFiles are archived by BackupConfig.
	ConfigFiles []string

	// ReadyTimeout bounds waits for the database and cache. Default: 60s
	ReadyTimeout time.Duration

	// ReadyInterval is the poll interval for those waits. Default: 2s
	ReadyInterval time.Duration
}

// Engine runs backup and restore operations.
//
// # Thread Safety
//
// Not safe for concurrent use. Callers hold the process lock.
type Engine struct {
	cfg      Config
	db       clients.DatabaseClient
	cache    clients.CacheClient
	rt       infra.Runtime
	prober   validation.Prober
	confirm  prompt.Confirmer
	uploader offsite.Uploader
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithUploader enables offsite copies after FullBackup.
func WithUploader(u offsite.Uploader) Option { return func(e *Engine) { e.uploader = u } }

// WithMetrics records artifact sizes.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine.
func NewEngine(cfg Config, db clients.DatabaseClient, cache clients.CacheClient, rt infra.Runtime,
	prober validation.Prober, confirm prompt.Confirmer, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.MinFreeGB <= 0 {
		cfg.MinFreeGB = 10
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 60 * time.Second
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		db:      db,
		cache:   cache,
		rt:      rt,
		prober:  prober,
		confirm: confirm,
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Dir returns the backup directory.
func (e *Engine) Dir() string { return e.cfg.Dir }

// List returns the artifacts in the backup directory, newest first.
func (e *Engine) List() ([]Artifact, error) {
	return ListArtifacts(e.cfg.Dir)
}

// =============================================================================
// Preconditions
// =============================================================================

func (e *Engine) checkDir() error {
	if err := os.MkdirAll(e.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirNotWritable, e.cfg.Dir, err)
	}
	f, err := os.CreateTemp(e.cfg.Dir, ".write-test-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDirNotWritable, e.cfg.Dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (e *Engine) checkDisk() error {
	free := e.prober.AvailableDiskSpaceGB(e.cfg.Dir)
	if free == validation.DiskSpaceUnknown {
		e.logger.Warn("free disk space unknown; continuing", "dir", e.cfg.Dir)
		return nil
	}
	if free < e.cfg.MinFreeGB {
		return fmt.Errorf("%w: %dGB free on %s, need %dGB", ErrDiskSpaceLow, free, e.cfg.Dir, e.cfg.MinFreeGB)
	}
	return nil
}

func (e *Engine) preconditions() error {
	if err := e.checkDir(); err != nil {
		return err
	}
	return e.checkDisk()
}

func (e *Engine) waitReady(ctx context.Context, name string, ping func(context.Context) error) error {
	return infra.WaitUntil(ctx, infra.WaitOptions{
		Name:     name,
		Timeout:  e.cfg.ReadyTimeout,
		Interval: e.cfg.ReadyInterval,
	}, ping)
}

// create writes, verifies and publishes one artifact.
func (e *Engine) create(kind Kind, fill func(w io.Writer) error) (*Artifact, error) {
	ts := e.now()
	final := filepath.Join(e.cfg.Dir, ArtifactName(kind, ts))
	partial := final + partialSuffix
	member := strings.TrimSuffix(filepath.Base(final), ".gz")

	// Artifacts are never overwritten.
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("artifact %s already exists", final)
	}

	cleanup := func() {
		_ = os.Remove(partial)
		_ = os.Remove(final)
	}

	if err := writeCompressed(partial, member, fill); err != nil {
		cleanup()
		return nil, err
	}
	if _, err := VerifyArtifact(partial); err != nil {
		cleanup()
		return nil, err
	}
	if err := os.Rename(partial, final); err != nil {
		cleanup()
		return nil, err
	}

	info, err := os.Stat(final)
	if err != nil {
		cleanup()
		return nil, err
	}
	a := &Artifact{Kind: kind, Path: final, Time: ts, Size: info.Size(), Verified: true}
	e.metrics.ObserveArtifact(string(kind), a.Size)
	e.logger.Info("backup artifact created", "kind", kind, "path", final, "bytes", a.Size)
	return a, nil
}

// =============================================================================
// Database
// =============================================================================

// BackupDatabase dumps the database into a verified artifact.
//
// # Description
//
// Preconditions: backup dir writable, free space above the hard floor,
// database answering within ReadyTimeout. The dump streams through gzip
// into a partial file, which is decompression-tested before being renamed
// into place. Any failure removes the partial artifact.
func (e *Engine) BackupDatabase(ctx context.Context) (*Artifact, error) {
	if err := e.preconditions(); err != nil {
		return nil, err
	}
	if err := e.waitReady(ctx, "database", e.db.Ping); err != nil {
		return nil, err
	}
	return e.create(KindDatabase, func(w io.Writer) error {
		_, err := e.db.Dump(ctx, e.cfg.Database, w)
		return err
	})
}

// RestoreOptions controls restore gating.
type RestoreOptions struct {
	// AllowOutsideDir permits artifacts outside the backup directory.
	AllowOutsideDir bool
}

// RestoreResult reports a restore.
type RestoreResult struct {
	// Aborted is true when the operator did not type the phrase.
	Aborted  bool
	Artifact Artifact
}

// resolve locates, kind-checks and verifies an artifact.
func (e *Engine) resolve(ref string, kind Kind, opts RestoreOptions) (Artifact, error) {
	path := ref
	if !filepath.IsAbs(path) && !strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(e.cfg.Dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Artifact{}, err
	}
	if !opts.AllowOutsideDir && !within(e.cfg.Dir, abs) {
		return Artifact{}, fmt.Errorf("%w: %s (pass --allow-outside to override)", ErrOutsideBackupDir, abs)
	}

	if k, ts, ok := ParseArtifactName(filepath.Base(abs)); ok {
		if k != kind {
			return Artifact{}, fmt.Errorf("%w: %s is a %s artifact, want %s", ErrWrongKind, filepath.Base(abs), k, kind)
		}
		if _, err := VerifyArtifact(abs); err != nil {
			return Artifact{}, err
		}
		info, _ := os.Stat(abs)
		return Artifact{Kind: kind, Path: abs, Time: ts, Size: info.Size(), Verified: true}, nil
	}

	if _, err := VerifyArtifact(abs); err != nil {
		return Artifact{}, err
	}
	info, _ := os.Stat(abs)
	return Artifact{Kind: kind, Path: abs, Time: info.ModTime(), Size: info.Size(), Verified: true}, nil
}

// within reports whether path lies inside dir after resolving symlinks.
func within(dir, path string) bool {
	d, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	if r, err := filepath.EvalSymlinks(d); err == nil {
		d = r
	}
	p := path
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	rel, err := filepath.Rel(d, p)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// RestoreDatabase replays a database artifact.
//
// # Description
//
// The artifact must be inside the backup directory unless
// opts.AllowOutsideDir is set, must pass VerifyArtifact, and the database
// must answer before the operator is asked to type RestorePhrase. Nothing
// is touched until the phrase matches exactly.
func (e *Engine) RestoreDatabase(ctx context.Context, ref string, opts RestoreOptions) (*RestoreResult, error) {
	a, err := e.resolve(ref, KindDatabase, opts)
	if err != nil {
		return &RestoreResult{}, err
	}
	res := &RestoreResult{Artifact: a}

	if err := e.waitReady(ctx, "database", e.db.Ping); err != nil {
		return res, err
	}

	ok, err := e.confirm.ConfirmPhrase(ctx,
		fmt.Sprintf("Restore %s over database %q? Current data will be overwritten.", a.Name(), e.cfg.Database),
		RestorePhrase)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Aborted = true
		return res, nil
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return res, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return res, &IntegrityError{Path: a.Path, Err: err}
	}
	defer zr.Close()

	if err := e.db.Restore(ctx, e.cfg.Database, zr); err != nil {
		return res, err
	}
	e.logger.Info("database restored", "artifact", a.Path)
	return res, nil
}

// =============================================================================
// Cache
// =============================================================================

// BackupCache forces a synchronous snapshot and archives it.
func (e *Engine) BackupCache(ctx context.Context) (*Artifact, error) {
	if e.cfg.CacheSnapshotPath == "" {
		return nil, errors.New("cache snapshot path not configured")
	}
	if err := e.preconditions(); err != nil {
		return nil, err
	}
	if err := e.waitReady(ctx, "cache", e.cache.Ping); err != nil {
		return nil, err
	}
	if err := e.cache.Save(ctx); err != nil {
		return nil, err
	}
	return e.create(KindCache, func(w io.Writer) error {
		f, err := os.Open(e.cfg.CacheSnapshotPath)
		if err != nil {
			return fmt.Errorf("reading cache snapshot: %w", err)
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// RestoreCache replaces the cache snapshot and restarts the cache.
//
// # Description
//
// After confirmation the cache is stopped, the current snapshot is kept as
// "<snapshot>.pre-restore", the artifact is decompressed next to it and
// renamed into place, and the cache is started and waited on.
func (e *Engine) RestoreCache(ctx context.Context, ref string, opts RestoreOptions) (*RestoreResult, error) {
	if e.cfg.CacheSnapshotPath == "" {
		return &RestoreResult{}, errors.New("cache snapshot path not configured")
	}
	a, err := e.resolve(ref, KindCache, opts)
	if err != nil {
		return &RestoreResult{}, err
	}
	res := &RestoreResult{Artifact: a}

	ok, err := e.confirm.ConfirmPhrase(ctx,
		fmt.Sprintf("Restore %s over the cache? The cache will be stopped and its data replaced.", a.Name()),
		RestorePhrase)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Aborted = true
		return res, nil
	}

	if err := e.rt.Stop(ctx, infra.ServiceCache); err != nil {
		return res, fmt.Errorf("stopping cache: %w", err)
	}
	if err := e.replaceSnapshot(a.Path); err != nil {
		// Bring the cache back on its old data.
		if startErr := e.rt.Start(ctx, infra.ServiceCache); startErr != nil {
			e.logger.Error("cache not restarted after failed restore", "error", startErr)
			return res, errors.Join(err, fmt.Errorf("restarting cache on its previous data: %w", startErr))
		}
		return res, err
	}
	if err := e.rt.Start(ctx, infra.ServiceCache); err != nil {
		return res, fmt.Errorf("starting cache: %w", err)
	}
	if err := e.waitReady(ctx, "cache", e.cache.Ping); err != nil {
		return res, err
	}
	e.logger.Info("cache restored", "artifact", a.Path)
	return res, nil
}

func (e *Engine) replaceSnapshot(artifact string) error {
	target := e.cfg.CacheSnapshotPath
	tmp := target + ".restoring"

	in, err := os.Open(artifact)
	if err != nil {
		return err
	}
	defer in.Close()
	zr, err := gzip.NewReader(in)
	if err != nil {
		return &IntegrityError{Path: artifact, Err: err}
	}
	defer zr.Close()

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, target+".pre-restore"); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, target)
}

// =============================================================================
// Configuration files
// =============================================================================

// BackupConfig archives the configured files into a tar artifact. Missing
// files are skipped with a warning; none present is an error.
func (e *Engine) BackupConfig(ctx context.Context) (*Artifact, error) {
	if err := e.preconditions(); err != nil {
		return nil, err
	}
	var present []string
	for _, p := range e.cfg.ConfigFiles {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		} else {
			e.logger.Warn("config file missing; not archived", "path", p)
		}
	}
	if len(present) == 0 {
		return nil, ErrNoConfigFiles
	}
	return e.create(KindConfig, func(w io.Writer) error {
		return writeTar(w, present)
	})
}

func writeTar(w io.Writer, files []string) error {
	tw := tar.NewWriter(w)
	for _, p := range files {
		if err := addFile(tw, p); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addFile(tw *tar.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	abs, _ := filepath.Abs(p)
	hdr.Name = strings.TrimPrefix(filepath.ToSlash(abs), "/")
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// =============================================================================
// Full backup
// =============================================================================

// Outcome is the terminal state of a multi-component operation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// ComponentResult is one component's result in FullBackup.
type ComponentResult struct {
	Kind     Kind
	Artifact *Artifact
	Err      error

	// Remote is the offsite URI when uploaded.
	Remote string

	// UploadErr is set when the offsite copy failed.
	UploadErr error
}

// FullReport is the outcome of FullBackup.
type FullReport struct {
	Components []ComponentResult
	Outcome    Outcome
}

// Failed returns the failed components.
func (r *FullReport) Failed() []ComponentResult {
	var out []ComponentResult
	for _, c := range r.Components {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// FullBackup backs up database, cache and config in sequence. A failure in
// one component does not stop the others.
func (e *Engine) FullBackup(ctx context.Context) *FullReport {
	steps := []struct {
		kind Kind
		run  func(context.Context) (*Artifact, error)
	}{
		{KindDatabase, e.BackupDatabase},
		{KindCache, e.BackupCache},
		{KindConfig, e.BackupConfig},
	}

	report := &FullReport{}
	ok := 0
	for _, s := range steps {
		a, err := s.run(ctx)
		c := ComponentResult{Kind: s.kind, Artifact: a, Err: err}
		if err != nil {
			e.logger.Error("backup component failed", "kind", s.kind, "error", err)
		} else {
			ok++
			if e.uploader != nil {
				c.Remote, c.UploadErr = e.uploader.Upload(ctx, a.Path)
				if c.UploadErr != nil {
					e.logger.Warn("offsite upload failed", "path", a.Path, "error", c.UploadErr)
				}
			}
		}
		report.Components = append(report.Components, c)
	}

	switch ok {
	case len(steps):
		report.Outcome = OutcomeSucceeded
	case 0:
		report.Outcome = OutcomeFailed
	default:
		report.Outcome = OutcomePartial
	}
	return report
}

// =============================================================================
// Retention
// =============================================================================

// CleanResult reports CleanOldBackups.
type CleanResult struct {
	Candidates []Artifact
	Deleted    []Artifact
	Aborted    bool
}

// CleanOldBackups deletes artifacts older than days after the operator
// has seen every candidate and typed CleanPhrase exactly. Any other answer
// deletes nothing.
func (e *Engine) CleanOldBackups(ctx context.Context, days int) (*CleanResult, error) {
	res := &CleanResult{}
	if days < 1 {
		return res, fmt.Errorf("retention must be at least 1 day, got %d", days)
	}
	all, err := e.List()
	if err != nil {
		return res, err
	}
	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	for _, a := range all {
		if a.Time.Before(cutoff) {
			res.Candidates = append(res.Candidates, a)
		}
	}
	if len(res.Candidates) == 0 {
		return res, nil
	}

	ok, err := e.confirm.ConfirmPhrase(ctx, cleanPrompt(res.Candidates, days, e.now()), CleanPhrase)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Aborted = true
		return res, nil
	}

	var errs []error
	for _, a := range res.Candidates {
		if err := os.Remove(a.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Deleted = append(res.Deleted, a)
	}
	e.logger.Info("old backups removed", "deleted", len(res.Deleted), "days", days)
	return res, errors.Join(errs...)
}

// cleanPrompt lists every candidate so the operator sees exactly what the
// phrase will delete.
func cleanPrompt(candidates []Artifact, days int, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Permanently delete %d backup(s) older than %d days?", len(candidates), days)
	for _, a := range candidates {
		b.WriteString("\n  ")
		b.WriteString(a.Describe(now))
	}
	return b.String()
}
