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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func TestParse_Forms(t *testing.T) {
	f, err := Parse([]byte(`# comment
APP_NAME=Anchor
export APP_ENV=production
DB_PASSWORD="p@ss \"quoted\" \$HOME"
SINGLE='lit\eral $x'
INLINE=value # trailing comment
EMPTY=
not a line
DUP=first
DUP=second
`))
	require.NoError(t, err)

	cases := map[string]string{
		"APP_NAME":    "Anchor",
		"APP_ENV":     "production",
		"DB_PASSWORD": `p@ss "quoted" $HOME`,
		"SINGLE":      `lit\eral $x`,
		"INLINE":      "value",
		"EMPTY":       "",
		"DUP":         "second",
	}
	for k, want := range cases {
		got, ok := f.Get(k)
		assert.True(t, ok, k)
		assert.Equal(t, want, got, k)
	}
	assert.Equal(t, []string{"APP_NAME", "APP_ENV", "DB_PASSWORD", "SINGLE", "INLINE", "EMPTY", "DUP"}, f.Keys())
}

func TestUpsert_RoundTripsSpecialValues(t *testing.T) {
	values := []string{
		"plain",
		"",
		"with space",
		`back\slash`,
		`dollar$VAR`,
		`"quoted"`,
		"'single'",
		"hash # not comment",
		"multi\nline\r\nvalue",
		"=leading equals",
		"unicode-ключ",
		" padded ",
	}
	for _, existing := range []bool{false, true} {
		for _, v := range values {
			content := "OTHER=1\n"
			if existing {
				content += "KEY=old\n"
			}
			path := writeFile(t, content)

			require.NoError(t, Upsert(path, "KEY", v), "value %q", v)

			got, ok, err := ReadValue(path, "KEY")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, v, got, "value %q (existing=%v)", v, existing)

			other, _, _ := ReadValue(path, "OTHER")
			assert.Equal(t, "1", other)
		}
	}

	for _, v := range []string{"ab\xff\xfecd", "\xc3"} {
		path := writeFile(t, "KEY=old\n")
		err := Upsert(path, "KEY", v)
		assert.ErrorIs(t, err, ErrInvalidValue, "value %q", v)

		got, _, _ := ReadValue(path, "KEY")
		assert.Equal(t, "old", got, "rejected value must leave the file untouched")
	}
}

func TestRemove(t *testing.T) {
	path := writeFile(t, "# keep\nA=1\nB=2\nA=dup\n")

	require.NoError(t, Remove(path, "A"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# keep\nB=2\n", string(data))

	require.NoError(t, Remove(path, "MISSING"))
	require.NoError(t, Remove(filepath.Join(t.TempDir(), "absent.env"), "A"))
}

func TestUpsert_PreservesLayoutAndMode(t *testing.T) {
	path := writeFile(t, "# header\nexport A=1\n\nB=2\nA=dup\n")

	require.NoError(t, Upsert(path, "A", "changed"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# header\nexport A=changed\n\nB=2\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestUpsert_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", ".env")

	require.NoError(t, Upsert(path, "NEW_KEY", "v"))

	got, ok, err := ReadValue(path, "NEW_KEY")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestUpsert_Idempotent(t *testing.T) {
	path := writeFile(t, "K=v\n")
	before, _ := os.ReadFile(path)

	require.NoError(t, Upsert(path, "K", "v"))

	after, _ := os.ReadFile(path)
	assert.Equal(t, before, after)
}

func TestUpsert_InvalidKey(t *testing.T) {
	path := writeFile(t, "")
	assert.ErrorIs(t, Upsert(path, "BAD KEY", "x"), ErrInvalidKey)
}

func TestUpsertMany(t *testing.T) {
	path := writeFile(t, "A=1\n")
	require.NoError(t, UpsertMany(path, map[string]string{"A": "2", "B": "three"}))

	f, err := Load(path)
	require.NoError(t, err)
	a, _ := f.Get("A")
	b, _ := f.Get("B")
	assert.Equal(t, "2", a)
	assert.Equal(t, "three", b)
}

func TestUpsertAll_ReportsPartialFailure(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "root.env")
	require.NoError(t, os.WriteFile(good, nil, 0600))

	// A directory where the file should be makes the write fail.
	bad := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(bad, "x"), 0755))

	targets := []Target{{Path: good, Key: "SECRET"}, {Path: bad, Key: "SECRET"}}
	report, err := UpsertAll(targets, "s3cr3t")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialSync))
	var recErr *ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.True(t, report.Partial())
	assert.Equal(t, []Target{targets[0]}, report.Succeeded)
	assert.Contains(t, report.Failed, targets[1])
	assert.Contains(t, err.Error(), "partial synchronization")
}

func TestUpsertAll_AllSucceed(t *testing.T) {
	dir := t.TempDir()
	targets := []Target{
		{Path: filepath.Join(dir, "a.env"), Key: "X"},
		{Path: filepath.Join(dir, "b.env"), Key: "Y"},
	}
	report, err := UpsertAll(targets, "shared")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Len(t, report.Succeeded, 2)
}
