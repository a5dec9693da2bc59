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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
)

// ErrPreflightFailed is returned when a preflight hard failure was not
// overridden by the operator.
var ErrPreflightFailed = errors.New("preflight check failed")

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// CheckErrorType categorizes preflight failures for programmatic handling.
type CheckErrorType int

const (
	// CheckErrorDaemonUnavailable indicates the container engine or systemd
	// did not answer.
	CheckErrorDaemonUnavailable CheckErrorType = iota

	// CheckErrorPortInUse indicates a required port is taken.
	CheckErrorPortInUse

	// CheckErrorDiskSpaceLow indicates free space below a floor.
	CheckErrorDiskSpaceLow

	// CheckErrorNetworkUnavailable indicates no internet connectivity.
	CheckErrorNetworkUnavailable

	// CheckErrorDNSFailure indicates name resolution failed.
	CheckErrorDNSFailure

	// CheckErrorConflictingInstance indicates another anchorops run holds
	// the process lock.
	CheckErrorConflictingInstance
)

// String returns the error type as a string for logging.
func (t CheckErrorType) String() string {
	switch t {
	case CheckErrorDaemonUnavailable:
		return "DAEMON_UNAVAILABLE"
	case CheckErrorPortInUse:
		return "PORT_IN_USE"
	case CheckErrorDiskSpaceLow:
		return "DISK_SPACE_LOW"
	case CheckErrorNetworkUnavailable:
		return "NETWORK_UNAVAILABLE"
	case CheckErrorDNSFailure:
		return "DNS_FAILURE"
	case CheckErrorConflictingInstance:
		return "CONFLICTING_INSTANCE"
	default:
		return "UNKNOWN"
	}
}

// CheckError provides structured error information for a preflight check.
type CheckError struct {
	// Type categorizes the error for programmatic handling.
	Type CheckErrorType

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *CheckError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	return buf.String()
}

// -----------------------------------------------------------------------------
// Report
// -----------------------------------------------------------------------------

// CheckStatus is the outcome of one preflight check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// CheckResult is one line of the preflight report.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string

	// Err is set for warnings and failures.
	Err *CheckError
}

// PreflightReport aggregates every check that ran.
type PreflightReport struct {
	Results []CheckResult
}

// Passed reports whether no check failed hard.
func (r *PreflightReport) Passed() bool {
	return len(r.Failures()) == 0
}

// Failures returns the hard failures.
func (r *PreflightReport) Failures() []CheckResult {
	return r.filter(CheckFail)
}

// Warnings returns the soft failures.
func (r *PreflightReport) Warnings() []CheckResult {
	return r.filter(CheckWarn)
}

func (r *PreflightReport) filter(status CheckStatus) []CheckResult {
	var out []CheckResult
	for _, res := range r.Results {
		if res.Status == status {
			out = append(out, res)
		}
	}
	return out
}

// Summary lists each failure with its remediation.
func (r *PreflightReport) Summary() string {
	failures := r.Failures()
	if len(failures) == 0 {
		return "all preflight checks passed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d preflight check(s) failed:\n", len(failures))
	for _, f := range failures {
		fmt.Fprintf(&b, "\n- %s: %s", f.Name, f.Message)
		if f.Err != nil && f.Err.Remediation != "" {
			fmt.Fprintf(&b, "\n  fix: %s", f.Err.Remediation)
		}
	}
	return b.String()
}

func (r *PreflightReport) add(name string, status CheckStatus, msg string, cerr *CheckError) {
	r.Results = append(r.Results, CheckResult{Name: name, Status: status, Message: msg, Err: cerr})
}

// -----------------------------------------------------------------------------
// Preflight
// -----------------------------------------------------------------------------

// InstanceProbe detects another running anchorops. *process.Lock satisfies
// it.
type InstanceProbe interface {
	Probe() (held bool, pid int, err error)
}

// PreflightOptions selects what the aggregate check probes.
type PreflightOptions struct {
	// Ports maps required TCP ports to the service that owns them. When the
	// owning service is already running, a busy port is only a warning.
	Ports map[int]infra.Service

	// DiskPath is the data directory whose filesystem is checked.
	DiskPath string

	// HardFloorGB fails the check; RecommendedFloorGB only warns.
	HardFloorGB        int64
	RecommendedFloorGB int64

	// DNSHost is resolved by the DNS check. Empty skips it.
	DNSHost string

	// SkipNetwork skips internet and DNS checks (offline installs).
	SkipNetwork bool
}

// DefaultPreflightOptions returns the ports and floors used by install.
func DefaultPreflightOptions(diskPath string) PreflightOptions {
	return PreflightOptions{
		Ports: map[int]infra.Service{
			80:    infra.ServiceProxy,
			443:   infra.ServiceProxy,
			30303: infra.ServiceBlockchain,
		},
		DiskPath:           diskPath,
		HardFloorGB:        10,
		RecommendedFloorGB: 20,
		DNSHost:            "github.com",
	}
}

// Preflight runs daemon liveness, port, disk, network and conflicting
// instance checks.
//
// # Description
//
// Runs every check regardless of earlier failures so the operator sees the
// whole picture. It never decides whether to continue: callers must stop on
// !report.Passed() unless the operator explicitly overrides.
//
// # Inputs
//
//   - ctx: Bounds the daemon and network probes
//   - rt: Service runtime (daemon liveness and owner-running checks)
//   - prober: Host probes
//   - instance: Lock probe (nil skips the check)
//   - opts: What to check
//
// # Outputs
//
//   - *PreflightReport: Never nil
func Preflight(ctx context.Context, rt infra.Runtime, prober Prober, instance InstanceProbe, opts PreflightOptions) *PreflightReport {
	report := &PreflightReport{}

	if err := rt.Ping(ctx); err != nil {
		report.add("daemon", CheckFail, "service runtime is not responding", &CheckError{
			Type:        CheckErrorDaemonUnavailable,
			Message:     fmt.Sprintf("%s runtime is not responding", rt.Mode()),
			Detail:      err.Error(),
			Remediation: daemonRemediation(rt.Mode()),
		})
	} else {
		report.add("daemon", CheckPass, fmt.Sprintf("%s runtime is responding", rt.Mode()), nil)
	}

	for _, port := range sortedPorts(opts.Ports) {
		name := fmt.Sprintf("port %d", port)
		if prober.IsPortAvailable(port) {
			report.add(name, CheckPass, "available", nil)
			continue
		}
		owner := opts.Ports[port]
		if running, err := rt.IsRunning(ctx, owner); err == nil && running {
			report.add(name, CheckWarn, fmt.Sprintf("in use by running %s (re-run)", owner), &CheckError{
				Type:    CheckErrorPortInUse,
				Message: fmt.Sprintf("port %d is held by the stack's own %s service", port, owner),
			})
			continue
		}
		report.add(name, CheckFail, "in use by another process", &CheckError{
			Type:        CheckErrorPortInUse,
			Message:     fmt.Sprintf("port %d is already in use", port),
			Remediation: fmt.Sprintf("Find the process with: ss -ltnp 'sport = :%d' and stop it", port),
		})
	}

	checkDisk(report, prober, opts)

	if !opts.SkipNetwork {
		if prober.HasInternetReachability(ctx) {
			report.add("internet", CheckPass, "reachable", nil)
		} else {
			report.add("internet", CheckFail, "no internet connectivity", &CheckError{
				Type:        CheckErrorNetworkUnavailable,
				Message:     "no internet connectivity",
				Remediation: "Images, certificates and the peer registry need outbound access. Check routing and firewall rules.",
			})
		}
		if opts.DNSHost != "" {
			if prober.CanResolveDNS(ctx, opts.DNSHost) {
				report.add("dns", CheckPass, "resolves "+opts.DNSHost, nil)
			} else {
				report.add("dns", CheckFail, "cannot resolve "+opts.DNSHost, &CheckError{
					Type:        CheckErrorDNSFailure,
					Message:     "DNS resolution failed for " + opts.DNSHost,
					Remediation: "Check /etc/resolv.conf and upstream resolvers.",
				})
			}
		}
	}

	if instance != nil {
		held, pid, err := instance.Probe()
		switch {
		case err != nil:
			slog.Debug("instance probe failed", "error", err)
			report.add("instance", CheckWarn, "could not probe for another instance", &CheckError{
				Type:   CheckErrorConflictingInstance,
				Detail: err.Error(),
			})
		case held:
			report.add("instance", CheckFail, fmt.Sprintf("another anchorops is running (PID %d)", pid), &CheckError{
				Type:        CheckErrorConflictingInstance,
				Message:     fmt.Sprintf("another anchorops operation is in progress (PID %d)", pid),
				Remediation: "Wait for it to finish before starting a new operation.",
			})
		default:
			report.add("instance", CheckPass, "no other instance", nil)
		}
	}

	return report
}

func checkDisk(report *PreflightReport, prober Prober, opts PreflightOptions) {
	if opts.HardFloorGB <= 0 && opts.RecommendedFloorGB <= 0 {
		return
	}
	free := prober.AvailableDiskSpaceGB(opts.DiskPath)
	switch {
	case free == DiskSpaceUnknown:
		report.add("disk", CheckWarn, "free space could not be determined", &CheckError{
			Type:    CheckErrorDiskSpaceLow,
			Message: "free space could not be determined for " + opts.DiskPath,
		})
	case free < opts.HardFloorGB:
		report.add("disk", CheckFail, fmt.Sprintf("%dGB free, need %dGB", free, opts.HardFloorGB), &CheckError{
			Type:        CheckErrorDiskSpaceLow,
			Message:     fmt.Sprintf("only %dGB free on %s (minimum %dGB)", free, opts.DiskPath, opts.HardFloorGB),
			Remediation: "Free disk space or move the data directory to a larger volume.",
		})
	case free < opts.RecommendedFloorGB:
		report.add("disk", CheckWarn, fmt.Sprintf("%dGB free, %dGB recommended", free, opts.RecommendedFloorGB), &CheckError{
			Type:    CheckErrorDiskSpaceLow,
			Message: fmt.Sprintf("%dGB free is below the recommended %dGB", free, opts.RecommendedFloorGB),
		})
	default:
		report.add("disk", CheckPass, fmt.Sprintf("%dGB free", free), nil)
	}
}

func daemonRemediation(mode infra.Mode) string {
	if mode == infra.ModeHost {
		return "Ensure systemd is running and you have permission to manage units (run as root)."
	}
	return "Start the container engine (e.g. systemctl start docker) and retry."
}

func sortedPorts(ports map[int]infra.Service) []int {
	out := make([]int, 0, len(ports))
	for p := range ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
