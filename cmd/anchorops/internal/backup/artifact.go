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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
)

// Kind is the component an artifact belongs to.
type Kind string

const (
	KindDatabase Kind = "database"
	KindCache    Kind = "cache"
	KindConfig   Kind = "config"
)

// timeLayout is the timestamp part of artifact names.
const timeLayout = "2006-01-02_150405"

// partialSuffix marks an artifact still being written.
const partialSuffix = ".partial"

var kindExt = map[Kind]string{
	KindDatabase: "sql",
	KindCache:    "rdb",
	KindConfig:   "tar",
}

// ErrIntegrity is matched by every *IntegrityError.
var ErrIntegrity = errors.New("artifact failed integrity check")

// IntegrityError reports an artifact that is empty or not decompressible.
type IntegrityError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IntegrityError) Unwrap() error { return e.Err }

// Is matches ErrIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Artifact is one backup file.
type Artifact struct {
	Kind Kind
	Path string
	Time time.Time
	Size int64

	// Verified is set once the artifact passed VerifyArtifact.
	Verified bool
}

// Name returns the file name.
func (a Artifact) Name() string { return filepath.Base(a.Path) }

// Describe renders size and age for listings.
func (a Artifact) Describe(now time.Time) string {
	return fmt.Sprintf("%-9s %-45s %8s  %s", a.Kind, a.Name(),
		humanize.Bytes(uint64(a.Size)), humanize.RelTime(a.Time, now, "ago", "from now"))
}

// ArtifactName returns "<kind>_<timestamp>.<ext>.gz".
func ArtifactName(kind Kind, t time.Time) string {
	return fmt.Sprintf("%s_%s.%s.gz", kind, t.Format(timeLayout), kindExt[kind])
}

// ParseArtifactName is the inverse of ArtifactName.
func ParseArtifactName(name string) (Kind, time.Time, bool) {
	for kind, ext := range kindExt {
		prefix := string(kind) + "_"
		suffix := "." + ext + ".gz"
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		ts := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		t, err := time.ParseInLocation(timeLayout, ts, time.Local)
		if err != nil {
			return "", time.Time{}, false
		}
		return kind, t, true
	}
	return "", time.Time{}, false
}

// ListArtifacts returns the artifacts in dir, newest first. Files that do
// not follow the naming scheme are ignored.
func ListArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		kind, t, ok := ParseArtifactName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{Kind: kind, Path: filepath.Join(dir, e.Name()), Time: t, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

// VerifyArtifact checks that path is a complete gzip stream with a non-empty
// payload. The full stream is read, so a truncated file fails on the
// missing trailer.
//
// # Outputs
//
//   - int64: Uncompressed size
//   - error: *IntegrityError on any failure
func VerifyArtifact(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &IntegrityError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, &IntegrityError{Path: path, Err: err}
	}
	if info.Size() == 0 {
		return 0, &IntegrityError{Path: path, Err: errors.New("file is empty")}
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, &IntegrityError{Path: path, Err: err}
	}
	defer zr.Close()

	n, err := io.Copy(io.Discard, zr)
	if err != nil {
		return n, &IntegrityError{Path: path, Err: err}
	}
	if n == 0 {
		return 0, &IntegrityError{Path: path, Err: errors.New("decompressed payload is empty")}
	}
	return n, nil
}

// writeCompressed streams fill into a gzip file at path. The file is synced
// before returning.
func writeCompressed(path, member string, fill func(w io.Writer) error) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	zw.Name = member
	zw.ModTime = time.Now()

	if err := fill(zw); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
