// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/clients"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/offsite"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

const dumpSQL = "CREATE TABLE anchors (id INT);\nINSERT INTO anchors VALUES (1);\n"

var fixedNow = time.Date(2025, 6, 1, 12, 30, 45, 0, time.Local)

type harness struct {
	dir      string
	db       *clients.MockDatabaseClient
	cache    *clients.MockCacheClient
	rt       *infra.MockRuntime
	prober   *validation.MockProber
	snapshot string
	configs  []string
	restored string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		dir:      filepath.Join(root, "backups"),
		cache:    &clients.MockCacheClient{},
		rt:       infra.NewMockRuntime(infra.ServiceDatabase, infra.ServiceCache),
		prober:   &validation.MockProber{DiskGB: 100},
		snapshot: filepath.Join(root, "redis", "dump.rdb"),
	}
	h.db = &clients.MockDatabaseClient{
		DumpFunc: func(ctx context.Context, database string, w io.Writer) (int64, error) {
			n, err := io.WriteString(w, dumpSQL)
			return int64(n), err
		},
		RestoreFunc: func(ctx context.Context, database string, r io.Reader) error {
			b, err := io.ReadAll(r)
			h.restored = string(b)
			return err
		},
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(h.snapshot), 0o755))
	require.NoError(t, os.WriteFile(h.snapshot, []byte("REDIS0011-original"), 0o644))

	for _, name := range []string{".env", "web.env"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(p, []byte("KEY="+name+"\n"), 0o600))
		h.configs = append(h.configs, p)
	}
	return h
}

func (h *harness) engine(confirm prompt.Confirmer, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(Config{
		Dir:               h.dir,
		Database:          "anchor",
		CacheSnapshotPath: h.snapshot,
		ConfigFiles:       h.configs,
		ReadyTimeout:      200 * time.Millisecond,
		ReadyInterval:     10 * time.Millisecond,
	}, h.db, h.cache, h.rt, h.prober, confirm, nil, opts...)
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// -----------------------------------------------------------------------------
// Naming and verification
// -----------------------------------------------------------------------------

func TestArtifactName_RoundTrip(t *testing.T) {
	for kind, ext := range kindExt {
		name := ArtifactName(kind, fixedNow)
		assert.Equal(t, string(kind)+"_2025-06-01_123045."+ext+".gz", name)
		k, ts, ok := ParseArtifactName(name)
		require.True(t, ok)
		assert.Equal(t, kind, k)
		assert.True(t, ts.Equal(fixedNow))
	}
	_, _, ok := ParseArtifactName("database_2025-06-01_123045.sql.gz.partial")
	assert.False(t, ok)
	_, _, ok = ParseArtifactName("notes.txt")
	assert.False(t, ok)
}

func TestVerifyArtifact(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.gz")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err := VerifyArtifact(empty)
	assert.ErrorIs(t, err, ErrIntegrity)

	plain := filepath.Join(dir, "plain.gz")
	require.NoError(t, os.WriteFile(plain, []byte("not gzip"), 0o600))
	_, err = VerifyArtifact(plain)
	assert.ErrorIs(t, err, ErrIntegrity)

	emptyPayload := filepath.Join(dir, "nothing.gz")
	require.NoError(t, writeCompressed(emptyPayload, "x", func(io.Writer) error { return nil }))
	_, err = VerifyArtifact(emptyPayload)
	var ie *IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, emptyPayload, ie.Path)
}

// -----------------------------------------------------------------------------
// Database
// -----------------------------------------------------------------------------

func TestBackupDatabase_CreatesVerifiedArtifact(t *testing.T) {
	h := newHarness(t)
	a, err := h.engine(prompt.Answer(true, "")).BackupDatabase(context.Background())
	require.NoError(t, err)

	assert.True(t, a.Verified)
	assert.Equal(t, ArtifactName(KindDatabase, fixedNow), a.Name())
	assert.Equal(t, []string{a.Name()}, dirNames(t, h.dir))

	n, err := VerifyArtifact(a.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(dumpSQL)), n)
}

func TestBackupThenRestoreDatabase_RoundTrips(t *testing.T) {
	h := newHarness(t)
	confirm := prompt.Answer(true, RestorePhrase)
	e := h.engine(confirm)

	a, err := e.BackupDatabase(context.Background())
	require.NoError(t, err)

	res, err := e.RestoreDatabase(context.Background(), a.Name(), RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	assert.Equal(t, dumpSQL, h.restored)

	calls := confirm.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, RestorePhrase, calls[0].Phrase)
}

func TestRestoreDatabase_RejectsTruncatedArtifact(t *testing.T) {
	h := newHarness(t)
	confirm := prompt.Answer(true, RestorePhrase)
	e := h.engine(confirm)

	a, err := e.BackupDatabase(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(a.Path, a.Size-6))

	_, err = e.RestoreDatabase(context.Background(), a.Path, RestoreOptions{})
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Empty(t, confirm.GetCalls(), "operator must not be asked about a bad artifact")
	assert.NotContains(t, h.db.Calls, "Restore")
}

func TestRestoreDatabase_WrongPhraseAborts(t *testing.T) {
	h := newHarness(t)
	e := h.engine(prompt.Answer(true, "restore"))
	a, err := e.BackupDatabase(context.Background())
	require.NoError(t, err)

	res, err := e.RestoreDatabase(context.Background(), a.Name(), RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.NotContains(t, h.db.Calls, "Restore")
}

func TestRestoreDatabase_OutsideDir(t *testing.T) {
	h := newHarness(t)
	e := h.engine(prompt.Answer(true, RestorePhrase))
	a, err := e.BackupDatabase(context.Background())
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), a.Name())
	data, _ := os.ReadFile(a.Path)
	require.NoError(t, os.WriteFile(outside, data, 0o600))

	_, err = e.RestoreDatabase(context.Background(), outside, RestoreOptions{})
	assert.ErrorIs(t, err, ErrOutsideBackupDir)

	_, err = e.RestoreDatabase(context.Background(), outside, RestoreOptions{AllowOutsideDir: true})
	assert.NoError(t, err)
}

func TestRestoreDatabase_WrongKind(t *testing.T) {
	h := newHarness(t)
	e := h.engine(prompt.Answer(true, RestorePhrase))
	a, err := e.BackupCache(context.Background())
	require.NoError(t, err)

	_, err = e.RestoreDatabase(context.Background(), a.Name(), RestoreOptions{})
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestBackupDatabase_FailureRemovesPartial(t *testing.T) {
	h := newHarness(t)
	h.db.DumpFunc = func(ctx context.Context, database string, w io.Writer) (int64, error) {
		_, _ = io.WriteString(w, "CREATE TABLE half")
		return 0, errors.New("mysqldump: lost connection")
	}

	_, err := h.engine(nil).BackupDatabase(context.Background())
	require.Error(t, err)
	assert.Empty(t, dirNames(t, h.dir))
}

func TestBackupDatabase_Preconditions(t *testing.T) {
	t.Run("disk below floor", func(t *testing.T) {
		h := newHarness(t)
		h.prober.DiskGB = 3
		_, err := h.engine(nil).BackupDatabase(context.Background())
		assert.ErrorIs(t, err, ErrDiskSpaceLow)
		assert.Empty(t, h.db.Calls)
	})

	t.Run("unknown disk proceeds", func(t *testing.T) {
		h := newHarness(t)
		h.prober.DiskGB = validation.DiskSpaceUnknown
		_, err := h.engine(nil).BackupDatabase(context.Background())
		assert.NoError(t, err)
	})

	t.Run("database never ready", func(t *testing.T) {
		h := newHarness(t)
		h.db.PingFunc = func(context.Context) error { return clients.ErrUnreachable }
		_, err := h.engine(nil).BackupDatabase(context.Background())
		assert.ErrorIs(t, err, infra.ErrWaitTimeout)
		assert.NotContains(t, h.db.Calls, "Dump")
	})
}

// -----------------------------------------------------------------------------
// Cache
// -----------------------------------------------------------------------------

func TestBackupAndRestoreCache(t *testing.T) {
	h := newHarness(t)
	e := h.engine(prompt.Answer(true, RestorePhrase))

	a, err := e.BackupCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Ping", "Save"}, h.cache.Calls)

	require.NoError(t, os.WriteFile(h.snapshot, []byte("REDIS0011-newer"), 0o644))

	res, err := e.RestoreCache(context.Background(), a.Name(), RestoreOptions{})
	require.NoError(t, err)
	assert.False(t, res.Aborted)
	assert.Equal(t, []string{"Stop:cache", "Start:cache"}, h.rt.GetCalls())

	got, _ := os.ReadFile(h.snapshot)
	assert.Equal(t, "REDIS0011-original", string(got))
	prev, _ := os.ReadFile(h.snapshot + ".pre-restore")
	assert.Equal(t, "REDIS0011-newer", string(prev))
}

func TestRestoreCache_DeclinedTouchesNothing(t *testing.T) {
	h := newHarness(t)
	e := h.engine(prompt.Answer(true, "yes"))
	a, err := e.BackupCache(context.Background())
	require.NoError(t, err)

	res, err := e.RestoreCache(context.Background(), a.Name(), RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Empty(t, h.rt.GetCalls())
}

func TestRestoreCache_ReplaceFailureReportsRestartError(t *testing.T) {
	h := newHarness(t)
	e := h.engine(prompt.Answer(true, RestorePhrase))
	a, err := e.BackupCache(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Dir(h.snapshot)))
	h.rt.StartFunc = func(context.Context, infra.Service) error {
		return errors.New("unit failed")
	}

	_, err = e.RestoreCache(context.Background(), a.Name(), RestoreOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restarting cache on its previous data")
	assert.Contains(t, err.Error(), "unit failed")
	assert.Equal(t, []string{"Stop:cache", "Start:cache"}, h.rt.GetCalls())
}

// -----------------------------------------------------------------------------
// Config and full backup
// -----------------------------------------------------------------------------

func TestBackupConfig_ArchivesFiles(t *testing.T) {
	h := newHarness(t)
	h.configs = append(h.configs, filepath.Join(t.TempDir(), "missing.env"))

	a, err := h.engine(nil).BackupConfig(context.Background())
	require.NoError(t, err)

	f, err := os.Open(a.Path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(zr)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, filepath.Base(hdr.Name))
		assert.False(t, strings.HasPrefix(hdr.Name, "/"))
	}
	assert.ElementsMatch(t, []string{".env", "web.env"}, names)
}

func TestBackupConfig_NothingToArchive(t *testing.T) {
	h := newHarness(t)
	h.configs = []string{filepath.Join(t.TempDir(), "missing.env")}
	_, err := h.engine(nil).BackupConfig(context.Background())
	assert.ErrorIs(t, err, ErrNoConfigFiles)
}

func TestFullBackup_IsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.cache.SaveFunc = func(context.Context) error { return errors.New("MISCONF disk full") }
	up := &offsite.MockUploader{}

	rep := h.engine(nil, WithUploader(up)).FullBackup(context.Background())
	assert.Equal(t, OutcomePartial, rep.Outcome)
	require.Len(t, rep.Components, 3)
	assert.NoError(t, rep.Components[0].Err)
	assert.Error(t, rep.Components[1].Err)
	assert.NoError(t, rep.Components[2].Err)
	require.Len(t, rep.Failed(), 1)
	assert.Equal(t, KindCache, rep.Failed()[0].Kind)

	assert.Len(t, up.Uploaded, 2)
	assert.Equal(t, "mock://"+rep.Components[0].Artifact.Name(), rep.Components[0].Remote)
}

func TestFullBackup_Outcomes(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, OutcomeSucceeded, h.engine(nil).FullBackup(context.Background()).Outcome)

	h = newHarness(t)
	h.prober.DiskGB = 1
	assert.Equal(t, OutcomeFailed, h.engine(nil).FullBackup(context.Background()).Outcome)
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

func seedArtifacts(t *testing.T, dir string, ages ...time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	for _, age := range ages {
		p := filepath.Join(dir, ArtifactName(KindDatabase, fixedNow.Add(-age)))
		require.NoError(t, writeCompressed(p, "x", func(w io.Writer) error {
			_, err := io.WriteString(w, "x")
			return err
		}))
	}
}

func TestCleanOldBackups_RequiresExactPhrase(t *testing.T) {
	day := 24 * time.Hour
	for _, typed := range []string{"delete", "y", "DELETE "} {
		h := newHarness(t)
		seedArtifacts(t, h.dir, 40*day, 31*day, 2*day)

		res, err := h.engine(prompt.Answer(true, typed)).CleanOldBackups(context.Background(), 30)
		require.NoError(t, err)
		assert.True(t, res.Aborted, typed)
		assert.Len(t, res.Candidates, 2)
		assert.Empty(t, res.Deleted)
		assert.Len(t, dirNames(t, h.dir), 3)
	}

	h := newHarness(t)
	seedArtifacts(t, h.dir, 40*day, 31*day, 2*day)
	res, err := h.engine(prompt.Answer(true, CleanPhrase)).CleanOldBackups(context.Background(), 30)
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 2)
	assert.Equal(t, []string{ArtifactName(KindDatabase, fixedNow.Add(-2*day))}, dirNames(t, h.dir))
}

func TestCleanOldBackups_ListsEveryCandidateBeforeAsking(t *testing.T) {
	day := 24 * time.Hour
	h := newHarness(t)
	seedArtifacts(t, h.dir, 40*day, 31*day, 2*day)
	confirm := prompt.Answer(true, "no")

	res, err := h.engine(confirm).CleanOldBackups(context.Background(), 30)
	require.NoError(t, err)
	assert.True(t, res.Aborted)

	calls := confirm.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, CleanPhrase, calls[0].Phrase)
	for _, age := range []time.Duration{40 * day, 31 * day} {
		assert.Contains(t, calls[0].Prompt, ArtifactName(KindDatabase, fixedNow.Add(-age)))
	}
	assert.NotContains(t, calls[0].Prompt, ArtifactName(KindDatabase, fixedNow.Add(-2*day)))
}

func TestCleanOldBackups_NothingOldAsksNothing(t *testing.T) {
	h := newHarness(t)
	seedArtifacts(t, h.dir, time.Hour)
	confirm := prompt.Answer(true, CleanPhrase)
	res, err := h.engine(confirm).CleanOldBackups(context.Background(), 30)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, confirm.GetCalls())
}

func TestArtifact_Describe(t *testing.T) {
	a := Artifact{Kind: KindDatabase, Path: "/b/database_x.sql.gz", Time: fixedNow.Add(-3 * time.Hour), Size: 2_500_000}
	s := a.Describe(fixedNow)
	assert.Contains(t, s, "2.5 MB")
	assert.Contains(t, s, "3 hours ago")
}
