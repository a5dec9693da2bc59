// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DiskSpaceUnknown is returned by AvailableDiskSpaceGB when no probe worked.
const DiskSpaceUnknown int64 = -1

// Prober runs the read-only host probes.
//
// # Description
//
// Every probe fails open: when it cannot decide it answers "available" or
// "reachable" (or DiskSpaceUnknown), never a false negative caused by
// missing tooling or permissions.
type Prober interface {
	// IsPortAvailable reports whether nothing listens on the TCP port.
	IsPortAvailable(port int) bool

	// AvailableDiskSpaceGB returns free space for path in whole GiB, or
	// DiskSpaceUnknown.
	AvailableDiskSpaceGB(path string) int64

	// CanResolveDNS reports whether host resolves.
	CanResolveDNS(ctx context.Context, host string) bool

	// HasInternetReachability reports whether any well-known endpoint
	// accepts a TCP connection.
	HasInternetReachability(ctx context.Context) bool
}

// DefaultProber probes the local host.
type DefaultProber struct {
	// ReachabilityTargets are host:port pairs dialed by
	// HasInternetReachability.
	ReachabilityTargets []string

	// DialTimeout bounds each dial and lookup. Default: 3s
	DialTimeout time.Duration

	listen func(network, address string) (net.Listener, error)
	dial   func(ctx context.Context, network, address string) (net.Conn, error)
	statfs func(path string, buf *unix.Statfs_t) error
}

// NewDefaultProber creates a prober with public reachability targets.
func NewDefaultProber() *DefaultProber {
	d := &net.Dialer{}
	return &DefaultProber{
		ReachabilityTargets: []string{"1.1.1.1:443", "8.8.8.8:53", "9.9.9.9:443"},
		DialTimeout:         3 * time.Second,
		listen:              net.Listen,
		dial:                d.DialContext,
		statfs:              unix.Statfs,
	}
}

// IsPortAvailable tries to bind the port and falls back to a loopback dial
// when binding is not permitted (unprivileged user, low port).
func (p *DefaultProber) IsPortAvailable(port int) bool {
	addr := ":" + strconv.Itoa(port)
	ln, err := p.listen("tcp", addr)
	if err == nil {
		_ = ln.Close()
		return true
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return false
	}

	slog.Debug("port bind probe inconclusive, dialing", "port", port, "error", err)
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout())
	defer cancel()
	conn, dialErr := p.dial(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if dialErr != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// AvailableDiskSpaceGB walks up from path to the nearest existing directory
// and reports its free space.
func (p *DefaultProber) AvailableDiskSpaceGB(path string) int64 {
	checkPath := path
	if checkPath == "" {
		checkPath = "."
	}
	if abs, err := filepath.Abs(checkPath); err == nil {
		checkPath = abs
	}
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			return DiskSpaceUnknown
		}
		checkPath = parent
	}

	var stat unix.Statfs_t
	if err := p.statfs(checkPath, &stat); err != nil {
		slog.Debug("statfs failed", "path", checkPath, "error", err)
		return DiskSpaceUnknown
	}
	return int64(stat.Bavail) * int64(stat.Bsize) / (1 << 30)
}

// CanResolveDNS looks host up with the default resolver.
func (p *DefaultProber) CanResolveDNS(ctx context.Context, host string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	return err == nil && len(addrs) > 0
}

// HasInternetReachability dials each target until one answers. With no
// targets configured it fails open.
func (p *DefaultProber) HasInternetReachability(ctx context.Context) bool {
	if len(p.ReachabilityTargets) == 0 {
		return true
	}
	for _, target := range p.ReachabilityTargets {
		dctx, cancel := context.WithTimeout(ctx, p.timeout())
		conn, err := p.dial(dctx, "tcp", target)
		cancel()
		if err == nil {
			_ = conn.Close()
			return true
		}
		slog.Debug("reachability target failed", "target", target, "error", err)
	}
	return false
}

func (p *DefaultProber) timeout() time.Duration {
	if p.DialTimeout <= 0 {
		return 3 * time.Second
	}
	return p.DialTimeout
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockProber is a Prober with fixed answers for tests.
type MockProber struct {
	// BusyPorts lists ports reported as in use.
	BusyPorts map[int]bool

	// DiskGB is returned for every path.
	DiskGB int64

	// DNSFails and InternetFails flip the network probes.
	DNSFails      bool
	InternetFails bool
}

func (m *MockProber) IsPortAvailable(port int) bool { return !m.BusyPorts[port] }

func (m *MockProber) AvailableDiskSpaceGB(path string) int64 { return m.DiskGB }

func (m *MockProber) CanResolveDNS(ctx context.Context, host string) bool { return !m.DNSFails }

func (m *MockProber) HasInternetReachability(ctx context.Context) bool { return !m.InternetFails }

// Compile-time interface checks
var (
	_ Prober = (*DefaultProber)(nil)
	_ Prober = (*MockProber)(nil)
)
