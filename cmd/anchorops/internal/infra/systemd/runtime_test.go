// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package systemd

import (
	"context"
	"errors"
	"testing"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/process"
)

// fakeConn simulates systemd unit state.
type fakeConn struct {
	active    map[string]bool
	jobStatus string
	started   []string
	stopped   []string
	reloaded  bool
}

func (f *fakeConn) Close() {}

func (f *fakeConn) ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error) {
	var out []dbus.UnitStatus
	for _, u := range units {
		state := "inactive"
		if f.active[u] {
			state = "active"
		}
		out = append(out, dbus.UnitStatus{Name: u, LoadState: "loaded", ActiveState: state})
	}
	return out, nil
}

func (f *fakeConn) finish(ch chan<- string) (int, error) {
	status := f.jobStatus
	if status == "" {
		status = "done"
	}
	ch <- status
	return 1, nil
}

func (f *fakeConn) StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.started = append(f.started, name)
	f.active[name] = true
	return f.finish(ch)
}

func (f *fakeConn) StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.stopped = append(f.stopped, name)
	f.active[name] = false
	return f.finish(ch)
}

func (f *fakeConn) RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error) {
	f.active[name] = true
	return f.finish(ch)
}

func (f *fakeConn) ReloadContext(ctx context.Context) error {
	f.reloaded = true
	return nil
}

func newFakeRuntime(conn *fakeConn) *Runtime {
	rt := NewRuntime(Config{Units: map[infra.Service]string{infra.ServiceBlockchain: "geth.service"}}, &process.MockManager{}, nil)
	return rt.WithConnFactory(func(ctx context.Context) (DBusAPI, error) { return conn, nil })
}

func TestRuntime_StartSkipsActiveUnit(t *testing.T) {
	conn := &fakeConn{active: map[string]bool{"geth.service": true}}
	rt := newFakeRuntime(conn)

	if err := rt.Start(context.Background(), infra.ServiceBlockchain); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(conn.started) != 0 {
		t.Errorf("active unit should not be started again, started = %v", conn.started)
	}
}

func TestRuntime_StartAndStop(t *testing.T) {
	conn := &fakeConn{active: map[string]bool{}}
	rt := newFakeRuntime(conn)
	ctx := context.Background()

	if err := rt.Start(ctx, infra.ServiceCache); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(conn.started) != 1 || conn.started[0] != "cache.service" {
		t.Errorf("started = %v, want [cache.service]", conn.started)
	}

	running, err := rt.IsRunning(ctx, infra.ServiceCache)
	if err != nil || !running {
		t.Fatalf("IsRunning() = (%v, %v), want (true, nil)", running, err)
	}

	if err := rt.Stop(ctx, infra.ServiceCache); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(conn.stopped) != 1 {
		t.Errorf("stopped = %v", conn.stopped)
	}
}

func TestRuntime_JobFailure(t *testing.T) {
	conn := &fakeConn{active: map[string]bool{}, jobStatus: "failed"}
	rt := newFakeRuntime(conn)

	err := rt.Start(context.Background(), infra.ServiceWeb)
	if !errors.Is(err, ErrJobFailed) {
		t.Errorf("Start() error = %v, want ErrJobFailed", err)
	}
}

func TestRuntime_ConnectFailure(t *testing.T) {
	rt := NewRuntime(Config{}, &process.MockManager{}, nil).
		WithConnFactory(func(ctx context.Context) (DBusAPI, error) { return nil, errors.New("no bus") })

	if err := rt.Ping(context.Background()); !errors.Is(err, infra.ErrRuntimeUnavailable) {
		t.Errorf("Ping() error = %v, want ErrRuntimeUnavailable", err)
	}
}

func TestRuntime_Refresh(t *testing.T) {
	conn := &fakeConn{active: map[string]bool{}}
	rt := newFakeRuntime(conn)

	if err := rt.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !conn.reloaded {
		t.Error("Refresh() did not reload systemd")
	}
}

func TestRuntime_ExecUsesWorkDir(t *testing.T) {
	proc := &process.MockManager{}
	rt := NewRuntime(Config{WorkDirs: map[infra.Service]string{infra.ServiceWeb: "/srv/web"}}, proc, nil)

	if _, err := rt.Exec(context.Background(), infra.ExecOptions{Service: infra.ServiceWeb, Command: []string{"php", "artisan", "migrate"}}); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	calls := proc.GetCalls()
	if len(calls) != 1 || calls[0].Dir != "/srv/web" || calls[0].Name != "php" {
		t.Errorf("unexpected calls: %+v", calls)
	}
}
