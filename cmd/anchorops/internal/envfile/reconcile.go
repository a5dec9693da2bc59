// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envfile

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Target names one key in one file.
type Target struct {
	Path string
	Key  string
}

func (t Target) String() string {
	return t.Path + ":" + t.Key
}

// ReadValue returns the value of key in the file at path. A missing file or
// key yields ("", false, nil).
func ReadValue(path, key string) (string, bool, error) {
	f, err := Load(path)
	if err != nil {
		return "", false, err
	}
	v, ok := f.Get(key)
	return v, ok, nil
}

// Upsert writes key=value into the file at path and verifies it by
// re-reading.
//
// # Description
//
// Replaces an existing line (keeping its position and any export prefix)
// or appends one, saves atomically, then loads the file again from disk
// and compares. A successful write with a different read-back value is a
// failure.
//
// # Outputs
//
//   - error: ErrInvalidKey, I/O errors, or ErrVerifyMismatch
//
// # Examples
//
//	if err := envfile.Upsert(".env", "DB_PASSWORD", pw); err != nil {
//	    return err
//	}
func Upsert(path, key, value string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	if current, ok := f.Get(key); ok && current == value {
		return verify(path, key, value)
	}
	if err := f.Set(key, value); err != nil {
		return err
	}
	if err := f.Save(); err != nil {
		return err
	}
	return verify(path, key, value)
}

// Remove deletes key from the file at path and verifies it is gone. A
// missing file or key is not an error.
func Remove(path, key string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	if !f.Delete(key) {
		return nil
	}
	if err := f.Save(); err != nil {
		return err
	}
	if _, ok, err := ReadValue(path, key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s still present in %s", ErrVerifyMismatch, key, path)
	}
	return nil
}

// UpsertMany writes several keys into one file with a single save and
// verifies each.
func UpsertMany(path string, values map[string]string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	changed := false
	for _, k := range sortedKeys(values) {
		if current, ok := f.Get(k); ok && current == values[k] {
			continue
		}
		if err := f.Set(k, values[k]); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		if err := f.Save(); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(values) {
		if err := verify(path, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func verify(path, key, want string) error {
	got, ok, err := ReadValue(path, key)
	if err != nil {
		return fmt.Errorf("re-read of %s failed: %w", path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s missing from %s", ErrVerifyMismatch, key, path)
	}
	if got != want {
		return fmt.Errorf("%w: %s in %s", ErrVerifyMismatch, key, path)
	}
	return nil
}

// =============================================================================
// Cross-file synchronization
// =============================================================================

// SyncReport lists per-target outcomes of a multi-file upsert.
type SyncReport struct {
	Succeeded []Target
	Failed    map[Target]error
}

// OK reports whether every target was written and verified.
func (r SyncReport) OK() bool {
	return len(r.Failed) == 0
}

// Partial reports whether some but not all targets succeeded.
func (r SyncReport) Partial() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

// ReconciliationError reports a value that is not synchronized across all
// of its consumers.
type ReconciliationError struct {
	Report SyncReport
}

// Error implements the error interface.
func (e *ReconciliationError) Error() string {
	var b strings.Builder
	if e.Report.Partial() {
		b.WriteString("partial synchronization: ")
	} else {
		b.WriteString("synchronization failed: ")
	}
	var failed []string
	for t, err := range e.Report.Failed {
		failed = append(failed, fmt.Sprintf("%s (%v)", t, err))
	}
	sort.Strings(failed)
	fmt.Fprintf(&b, "failed [%s]", strings.Join(failed, "; "))
	if len(e.Report.Succeeded) > 0 {
		var ok []string
		for _, t := range e.Report.Succeeded {
			ok = append(ok, t.String())
		}
		fmt.Fprintf(&b, ", updated [%s]", strings.Join(ok, ", "))
	}
	return b.String()
}

// ErrPartialSync matches any *ReconciliationError with errors.Is.
var ErrPartialSync = errors.New("value not synchronized across consumers")

// Is makes errors.Is(err, ErrPartialSync) match.
func (e *ReconciliationError) Is(target error) bool {
	return target == ErrPartialSync
}

// UpsertAll writes value to every target and verifies each individually.
//
// # Description
//
// Every target is attempted even after a failure so the report is
// complete. The caller must treat a non-nil error as "not synchronized";
// the error is a *ReconciliationError naming which targets succeeded.
//
// # Outputs
//
//   - SyncReport: Always populated
//   - error: *ReconciliationError when any target failed
func UpsertAll(targets []Target, value string) (SyncReport, error) {
	report := SyncReport{Failed: map[Target]error{}}
	for _, t := range targets {
		if err := Upsert(t.Path, t.Key, value); err != nil {
			report.Failed[t] = err
			continue
		}
		report.Succeeded = append(report.Succeeded, t)
	}
	if !report.OK() {
		return report, &ReconciliationError{Report: report}
	}
	return report, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
