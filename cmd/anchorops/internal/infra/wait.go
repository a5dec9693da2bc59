// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package infra

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned when a readiness probe never succeeds within
// the configured bound.
var ErrWaitTimeout = errors.New("timed out waiting for readiness")

// WaitOptions bounds a readiness wait.
type WaitOptions struct {
	// Name identifies what is being waited on in errors and logs.
	Name string

	// Timeout is the upper bound for the whole wait. Required.
	Timeout time.Duration

	// Interval is the fixed delay between probes. Default: 2s
	Interval time.Duration
}

// WaitUntil polls probe on a fixed interval until it returns nil or the
// timeout elapses.
//
// # Description
//
// Every wait on an external service goes through here so no wait is
// unbounded. The probe runs once immediately. Parent context cancellation
// aborts the wait with the context error.
//
// # Outputs
//
//   - error: nil once the probe succeeds; ErrWaitTimeout wrapping the last
//     probe error when the bound is reached
func WaitUntil(ctx context.Context, opts WaitOptions, probe func(ctx context.Context) error) error {
	if opts.Timeout <= 0 {
		return fmt.Errorf("%s: wait timeout must be positive", opts.Name)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	deadline := time.Now().Add(opts.Timeout)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		probeCtx, cancel := context.WithDeadline(ctx, deadline)
		lastErr = probe(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		if !sleepWithContext(ctx, sleep) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s after %s: %v", ErrWaitTimeout, opts.Name, opts.Timeout, lastErr)
}

// sleepWithContext returns false if ctx was cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
