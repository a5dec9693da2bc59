// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	r := NewRecorder()
	r.ObserveOperation("backup", "succeeded", 3*time.Second)
	r.ObserveOperation("backup", "partial", time.Second)
	r.ObserveStep("database", "succeeded")
	r.ObserveArtifact("database", 2048)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("backup", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("backup", "partial")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(r.artifactBytes.WithLabelValues("database")))
	assert.Greater(t, testutil.ToFloat64(r.lastSuccess.WithLabelValues("backup")), 0.0)
}

func TestRecorder_WriteTextfile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "textfile")
	r := NewRecorder()
	r.ObserveOperation("install", "failed", time.Minute)
	require.NoError(t, r.WriteTextfile(dir))

	data, err := os.ReadFile(filepath.Join(dir, TextfileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `anchorops_operations_total{operation="install",status="failed"} 1`)
	assert.Contains(t, string(data), "anchorops_operation_duration_seconds_bucket")
}

func TestRecorder_NilAndEmptyDir(t *testing.T) {
	var r *Recorder
	r.ObserveOperation("x", "succeeded", 0)
	r.ObserveArtifact("x", 1)
	r.ObserveStep("x", "y")
	assert.NoError(t, r.WriteTextfile(t.TempDir()))
	assert.NoError(t, NewRecorder().WriteTextfile(""))
}
