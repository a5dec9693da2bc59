// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package offsite copies verified backup artifacts to object storage.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrKeyNotFound is returned when the configured service account key is
// missing.
var ErrKeyNotFound = errors.New("service account key not found")

// Uploader copies a local artifact to offsite storage.
type Uploader interface {
	// Upload copies localPath and returns the remote URI.
	Upload(ctx context.Context, localPath string) (string, error)
	Close() error
}

// GCSConfig configures a GCSUploader.
type GCSConfig struct {
	Bucket string

	// Prefix is prepended to object names, e.g. "anchorops/prod-1".
	Prefix string

	// KeyPath is a service account key file. Empty uses application
	// default credentials.
	KeyPath string
}

// GCSUploader uploads to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	cfg    GCSConfig
	logger *slog.Logger
}

// NewGCSUploader creates an uploader.
func NewGCSUploader(ctx context.Context, cfg GCSConfig, logger *slog.Logger, opts ...option.ClientOption) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("offsite bucket is required")
	}
	if cfg.KeyPath != "" {
		if _, err := os.Stat(cfg.KeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at path: %s", ErrKeyNotFound, cfg.KeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.KeyPath))
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSUploader{client: client, cfg: cfg, logger: logger}, nil
}

// ObjectName maps a local artifact path to its object name.
func ObjectName(prefix, localPath string) string {
	return path.Join(strings.Trim(prefix, "/"), filepath.Base(localPath))
}

// Upload implements Uploader. The object's CRC32C is sent with the upload
// so GCS rejects a corrupted transfer.
func (u *GCSUploader) Upload(ctx context.Context, localPath string) (string, error) {
	sum, err := fileCRC32C(localPath)
	if err != nil {
		return "", err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer f.Close()

	name := ObjectName(u.cfg.Prefix, localPath)
	w := u.client.Bucket(u.cfg.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/gzip"
	w.CRC32C = sum
	w.SendCRC32C = true

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to copy %s to GCS object %s: %w", localPath, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", u.cfg.Bucket, name)
	u.logger.Info("artifact uploaded", "path", localPath, "uri", uri)
	return uri, nil
}

// Close implements Uploader.
func (u *GCSUploader) Close() error {
	return u.client.Close()
}

func fileCRC32C(p string) (uint32, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// MockUploader is a test double for Uploader.
type MockUploader struct {
	UploadFunc func(ctx context.Context, localPath string) (string, error)
	Uploaded   []string
}

// Upload implements Uploader.
func (m *MockUploader) Upload(ctx context.Context, localPath string) (string, error) {
	if m.UploadFunc != nil {
		uri, err := m.UploadFunc(ctx, localPath)
		if err == nil {
			m.Uploaded = append(m.Uploaded, localPath)
		}
		return uri, err
	}
	m.Uploaded = append(m.Uploaded, localPath)
	return "mock://" + filepath.Base(localPath), nil
}

// Close implements Uploader.
func (m *MockUploader) Close() error { return nil }

var (
	_ Uploader = (*GCSUploader)(nil)
	_ Uploader = (*MockUploader)(nil)
)
