// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envfile reads and reconciles ".env"-style KEY=VALUE files.
//
// Writes are atomic (temp file then rename) and every upsert is verified by
// re-reading the file from disk. Comments, blank lines and key order are
// preserved.
package envfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrInvalidKey is returned for keys that are not valid identifiers.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned for values that cannot be stored
	// losslessly, such as byte strings that are not valid UTF-8.
	ErrInvalidValue = errors.New("invalid value")

	// ErrVerifyMismatch is returned when a re-read does not return the
	// value just written.
	ErrVerifyMismatch = errors.New("verification mismatch after write")

	// ErrKeyNotFound is returned by Get-style helpers when a key is absent.
	ErrKeyNotFound = errors.New("key not found")
)

var keyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// line is one physical line. Non-entry lines keep only raw.
type line struct {
	raw    string
	key    string
	export bool
}

// File is a parsed env file.
//
// # Thread Safety
//
// Not safe for concurrent use.
type File struct {
	path   string
	mode   os.FileMode
	lines  []line
	values map[string]string
}

// Load parses the file at path. A missing file yields an empty File that
// Save will create.
func Load(path string) (*File, error) {
	f := &File{path: path, mode: 0600, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if info, err := os.Stat(path); err == nil {
		f.mode = info.Mode().Perm()
	}
	if err := f.parse(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// Parse parses env data that is not backed by a file.
func Parse(data []byte) (*File, error) {
	f := &File{mode: 0600, values: map[string]string{}}
	if err := f.parse(data); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parse(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			f.lines = append(f.lines, line{raw: raw})
			continue
		}

		export := false
		if rest, ok := strings.CutPrefix(trimmed, "export "); ok {
			export = true
			trimmed = strings.TrimSpace(rest)
		}
		key, rawValue, ok := strings.Cut(trimmed, "=")
		key = strings.TrimSpace(key)
		if !ok || !keyRegex.MatchString(key) {
			// Unparseable lines are kept verbatim.
			f.lines = append(f.lines, line{raw: raw})
			continue
		}
		f.lines = append(f.lines, line{raw: raw, key: key, export: export})
		f.values[key] = decodeValue(strings.TrimSpace(rawValue))
	}
	return sc.Err()
}

// Path returns the backing file path.
func (f *File) Path() string {
	return f.path
}

// Get returns the value for key and whether it is present.
func (f *File) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Keys returns the keys in file order, without duplicates.
func (f *File) Keys() []string {
	seen := map[string]bool{}
	var keys []string
	for _, l := range f.lines {
		if l.key != "" && !seen[l.key] {
			seen[l.key] = true
			keys = append(keys, l.key)
		}
	}
	return keys
}

// Set replaces the first occurrence of key, drops later duplicates, or
// appends the key when absent.
func (f *File) Set(key, value string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: value for %s is not valid UTF-8", ErrInvalidValue, key)
	}

	rendered := key + "=" + EncodeValue(value)
	replaced := false
	out := f.lines[:0:0]
	for _, l := range f.lines {
		if l.key != key {
			out = append(out, l)
			continue
		}
		if replaced {
			continue
		}
		raw := rendered
		if l.export {
			raw = "export " + rendered
		}
		out = append(out, line{raw: raw, key: key, export: l.export})
		replaced = true
	}
	if !replaced {
		out = append(out, line{raw: rendered, key: key})
	}
	f.lines = out
	f.values[key] = value
	return nil
}

// Delete removes every line for key. It reports whether anything was
// removed.
func (f *File) Delete(key string) bool {
	out := f.lines[:0:0]
	for _, l := range f.lines {
		if l.key != key {
			out = append(out, l)
		}
	}
	removed := len(out) != len(f.lines)
	f.lines = out
	delete(f.values, key)
	return removed
}

// Bytes renders the file.
func (f *File) Bytes() []byte {
	var buf bytes.Buffer
	for _, l := range f.lines {
		buf.WriteString(l.raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Save writes the file atomically, keeping its permissions.
func (f *File) Save() error {
	if f.path == "" {
		return errors.New("envfile has no backing path")
	}
	return WriteAtomic(f.path, f.Bytes(), f.mode)
}

// WriteAtomic writes data to a temp file in the target directory, syncs it
// and renames it over path.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// Value encoding
// =============================================================================

// EncodeValue renders a value for the right-hand side of KEY=VALUE. Plain
// values are written bare; anything else is double-quoted with \ " $ and
// newlines escaped.
func EncodeValue(v string) string {
	if v == "" {
		return ""
	}
	if !needsQuoting(v) {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '$':
			b.WriteString(`\$`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(v string) bool {
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_.,:/@+%=", r):
		default:
			return true
		}
	}
	return false
}

// decodeValue reverses EncodeValue and accepts the common hand-written
// forms: single-quoted literals and unquoted values with an inline comment.
func decodeValue(raw string) string {
	if raw == "" {
		return ""
	}
	switch raw[0] {
	case '"':
		var b strings.Builder
		escaped := false
		for _, r := range raw[1:] {
			if escaped {
				switch r {
				case 'n':
					b.WriteByte('\n')
				case 'r':
					b.WriteByte('\r')
				default:
					b.WriteRune(r)
				}
				escaped = false
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == '"' {
				return b.String()
			}
			b.WriteRune(r)
		}
		return b.String()
	case '\'':
		if end := strings.IndexByte(raw[1:], '\''); end >= 0 {
			return raw[1 : end+1]
		}
		return raw[1:]
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}
