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
	"strings"
	"testing"
	"time"
)

func TestWaitUntil_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := WaitUntil(context.Background(), WaitOptions{Name: "db", Timeout: time.Second, Interval: 5 * time.Millisecond},
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("WaitUntil() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWaitUntil_TimesOut(t *testing.T) {
	start := time.Now()
	err := WaitUntil(context.Background(), WaitOptions{Name: "cache", Timeout: 50 * time.Millisecond, Interval: 10 * time.Millisecond},
		func(ctx context.Context) error { return errors.New("connection refused") })

	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("WaitUntil() error = %v, want ErrWaitTimeout", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should carry last probe error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait exceeded its bound: %s", elapsed)
	}
}

func TestWaitUntil_RequiresTimeout(t *testing.T) {
	err := WaitUntil(context.Background(), WaitOptions{Name: "x"}, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Error("WaitUntil() without timeout should fail")
	}
}

func TestWaitUntil_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitUntil(ctx, WaitOptions{Name: "x", Timeout: time.Second}, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WaitUntil() error = %v, want context.Canceled", err)
	}
}

func TestExecChecked_NonZeroExit(t *testing.T) {
	rt := NewMockRuntime()
	rt.ExecFunc = func(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
		return &ExecResult{ExitCode: 2, Stderr: "migration failed"}, nil
	}

	_, err := ExecChecked(context.Background(), rt, ExecOptions{Service: ServiceWeb, Command: []string{"php", "artisan", "migrate"}})

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("ExecChecked() error = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 2 || cmdErr.Command != "php artisan migrate" {
		t.Errorf("unexpected CommandError: %+v", cmdErr)
	}
}

func TestMockRuntime_TracksRunningState(t *testing.T) {
	rt := NewMockRuntime(ServiceDatabase)
	ctx := context.Background()

	if running, _ := rt.IsRunning(ctx, ServiceDatabase); !running {
		t.Error("database should start running")
	}
	_ = rt.Stop(ctx, ServiceDatabase)
	if running, _ := rt.IsRunning(ctx, ServiceDatabase); running {
		t.Error("database should be stopped")
	}
	_ = rt.Start(ctx, ServiceCache)
	if running, _ := rt.IsRunning(ctx, ServiceCache); !running {
		t.Error("cache should be running")
	}

	calls := rt.GetCalls()
	if len(calls) != 2 || calls[0] != "Stop:database" || calls[1] != "Start:cache" {
		t.Errorf("calls = %v", calls)
	}
}
