// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package offsite

import (
	"context"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
)

func TestObjectName(t *testing.T) {
	tests := []struct {
		prefix, path, want string
	}{
		{"", "/var/backups/database_2025-01-02_030405.sql.gz", "database_2025-01-02_030405.sql.gz"},
		{"anchorops/prod", "/b/cache_x.rdb.gz", "anchorops/prod/cache_x.rdb.gz"},
		{"/anchorops/", "/b/config_x.tar.gz", "anchorops/config_x.tar.gz"},
	}
	for _, tt := range tests {
		if got := ObjectName(tt.prefix, tt.path); got != tt.want {
			t.Errorf("ObjectName(%q, %q) = %q, want %q", tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestNewGCSUploader_MissingKey(t *testing.T) {
	_, err := NewGCSUploader(context.Background(), GCSConfig{
		Bucket:  "b",
		KeyPath: filepath.Join(t.TempDir(), "missing.json"),
	}, nil)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestNewGCSUploader_RequiresBucket(t *testing.T) {
	if _, err := NewGCSUploader(context.Background(), GCSConfig{}, nil); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}

func TestFileCRC32C(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := fileCRC32C(p)
	if err != nil {
		t.Fatal(err)
	}
	want := crc32.Checksum([]byte("hello"), crc32.MakeTable(crc32.Castagnoli))
	if got != want {
		t.Errorf("crc = %x, want %x", got, want)
	}
}

func TestMockUploader(t *testing.T) {
	m := &MockUploader{}
	uri, err := m.Upload(context.Background(), "/b/x.gz")
	if err != nil || uri != "mock://x.gz" || len(m.Uploaded) != 1 {
		t.Errorf("Upload() = (%q, %v), uploaded %v", uri, err, m.Uploaded)
	}
}
