// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics records operation outcomes for the node-exporter textfile
// collector. anchorops is a short-lived CLI, so nothing is served; each run
// rewrites anchorops.prom in the configured directory.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TextfileName is the file written into the collector directory.
const TextfileName = "anchorops.prom"

// Recorder holds the run's metrics. A nil *Recorder discards everything.
type Recorder struct {
	reg *prometheus.Registry

	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	artifactBytes *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec
	steps         *prometheus.CounterVec
}

// NewRecorder creates a Recorder on a private registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,

		// operations counts finished operations by outcome
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorops_operations_total",
			Help: "Finished operations by operation and status",
		}, []string{"operation", "status"}),

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anchorops_operation_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}, []string{"operation"}),

		artifactBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anchorops_backup_artifact_bytes",
			Help: "Size of the newest verified backup artifact by kind",
		}, []string{"kind"}),

		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "anchorops_last_success_timestamp_seconds",
			Help: "Unix time of the last successful operation",
		}, []string{"operation"}),

		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorops_install_steps_total",
			Help: "Installation steps by step and status",
		}, []string{"step", "status"}),
	}
}

// ObserveOperation records one finished operation.
func (r *Recorder) ObserveOperation(operation, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
	if status == "succeeded" {
		r.lastSuccess.WithLabelValues(operation).SetToCurrentTime()
	}
}

// ObserveArtifact records a verified artifact's size.
func (r *Recorder) ObserveArtifact(kind string, bytes int64) {
	if r == nil {
		return
	}
	r.artifactBytes.WithLabelValues(kind).Set(float64(bytes))
}

// ObserveStep records an installation step outcome.
func (r *Recorder) ObserveStep(step, status string) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(step, status).Inc()
}

// Registry exposes the underlying registry for tests and callers that
// want to gather directly.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// WriteTextfile writes the metrics into dir. An empty dir is a no-op.
// prometheus.WriteToTextfile writes to a temp file and renames it, so the
// collector never reads a half-written file.
func (r *Recorder) WriteTextfile(dir string) error {
	if r == nil || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating textfile dir: %w", err)
	}
	return prometheus.WriteToTextfile(filepath.Join(dir, TextfileName), r.reg)
}
