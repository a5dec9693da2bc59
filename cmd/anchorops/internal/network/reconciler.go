// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
)

// AutoRestartHint names the two ways to skip the restart prompt.
const AutoRestartHint = "re-run with --auto-restart or set chain.auto_confirm_restart: true"

// DefaultPeerCachePaths are removed, relative to the data dir, before the
// node restarts so it does not reconnect to stale peers from its database.
var DefaultPeerCachePaths = []string{"geth/nodes"}

// Config configures a Reconciler.
type Config struct {
	Target Target

	// PeerFile is the static peer list read by the node.
	PeerFile string

	// ContactFile and ContactKey locate the registry-facing identity
	// setting in the blockchain service's env file.
	ContactFile string
	ContactKey  string

	// RegistryURLKey and RegistrySecretKey, when set, receive the target's
	// registry endpoint and secret in ContactFile.
	RegistryURLKey    string
	RegistrySecretKey string

	// DataDir is the node's data directory on the host.
	DataDir string

	// PeerCachePaths default to DefaultPeerCachePaths.
	PeerCachePaths []string

	// PublicHost replaces the host of the node's reported enode.
	PublicHost string

	// AutoConfirmRestart skips the restart confirmation.
	AutoConfirmRestart bool

	// ReadyTimeout bounds the wait for RPC after restart. Default: 2m
	ReadyTimeout time.Duration
}

// RefreshReport is the outcome of ApplyPeerRefresh.
type RefreshReport struct {
	// Peers is the list now persisted.
	Peers []string

	// Identity is the node's enode written to the contact setting.
	Identity string

	Restarted bool

	// StaleCache is true when the node restarted but its peer cache could
	// not be removed first.
	StaleCache bool

	// Deferred is true when the restart was not performed; Message says
	// when the new list takes effect.
	Deferred bool
	Message  string

	Warnings []string
}

// Reconciler keeps peer list and registry contact in step with the registry.
//
// # Thread Safety
//
// Not safe for concurrent use. Callers hold the process lock.
type Reconciler struct {
	cfg      Config
	registry RegistryClient
	node     NodeClient
	rt       infra.Runtime
	confirm  prompt.Confirmer
	out      io.Writer
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler.
//
// # Inputs
//
//   - cfg: Target must be valid
//   - registry, node, rt, confirm: Collaborators
//   - out: Receives the persisted peer list for the operator; nil discards
//   - logger: nil uses slog.Default()
func NewReconciler(cfg Config, registry RegistryClient, node NodeClient, rt infra.Runtime, confirm prompt.Confirmer, out io.Writer, logger *slog.Logger) (*Reconciler, error) {
	if !cfg.Target.Valid() {
		return nil, &InvalidTargetError{Value: cfg.Target.String()}
	}
	if cfg.PeerCachePaths == nil {
		cfg.PeerCachePaths = DefaultPeerCachePaths
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cfg:      cfg,
		registry: registry,
		node:     node,
		rt:       rt,
		confirm:  confirm,
		out:      out,
		logger:   logger.With("network", cfg.Target.String()),
	}, nil
}

// FetchPeerList retrieves the current peer list for the configured target.
func (r *Reconciler) FetchPeerList(ctx context.Context) ([]string, error) {
	ep, err := r.cfg.Target.Endpoints()
	if err != nil {
		return nil, err
	}
	peers, err := r.registry.FetchPeers(ctx, ep)
	if err != nil {
		return nil, err
	}
	r.logger.Info("peer list fetched", "peers", len(peers))
	return peers, nil
}

// PersistPeerList atomically replaces the stored list and prints it.
func (r *Reconciler) PersistPeerList(peers []string) error {
	data, err := PeerStore{Path: r.cfg.PeerFile}.Persist(peers)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Wrote %d peer(s) to %s:\n%s", len(peers), r.cfg.PeerFile, data)
	return nil
}

// FetchOwnRegistryIdentity reads the node's enode, host-substituted.
//
// # Outputs
//
//   - string: enode URL
//   - error: ErrNodeNotRunning, ErrNodeUnreachable or ErrMalformedNodeInfo
func (r *Reconciler) FetchOwnRegistryIdentity(ctx context.Context) (string, error) {
	running, err := r.rt.IsRunning(ctx, infra.ServiceBlockchain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	if !running {
		return "", ErrNodeNotRunning
	}
	enode, err := r.node.Enode(ctx)
	if err != nil {
		return "", err
	}
	return WithPublicHost(enode, r.cfg.PublicHost)
}

// ReconcileRegistryContact writes the node's identity into its contact
// setting and returns it. An unchanged value is not rewritten.
func (r *Reconciler) ReconcileRegistryContact(ctx context.Context) (string, error) {
	identity, err := r.FetchOwnRegistryIdentity(ctx)
	if err != nil {
		return "", err
	}
	if err := envfile.Upsert(r.cfg.ContactFile, r.cfg.ContactKey, identity); err != nil {
		return "", fmt.Errorf("updating registry contact: %w", err)
	}
	r.logger.Info("registry contact reconciled", "file", r.cfg.ContactFile, "key", r.cfg.ContactKey)
	return identity, nil
}

// WriteRegistryEndpoints writes the target's registry URL and secret into
// the contact file when the keys are configured.
func (r *Reconciler) WriteRegistryEndpoints() error {
	ep, err := r.cfg.Target.Endpoints()
	if err != nil {
		return err
	}
	values := map[string]string{}
	if r.cfg.RegistryURLKey != "" {
		values[r.cfg.RegistryURLKey] = ep.RegistryURL
	}
	if r.cfg.RegistrySecretKey != "" {
		values[r.cfg.RegistrySecretKey] = ep.RegistrySecret
	}
	if len(values) == 0 {
		return nil
	}
	return envfile.UpsertMany(r.cfg.ContactFile, values)
}

// EndpointsCurrent reports whether the contact file already holds the
// target's registry URL and secret.
func (r *Reconciler) EndpointsCurrent() (bool, error) {
	ep, err := r.cfg.Target.Endpoints()
	if err != nil {
		return false, err
	}
	for key, want := range map[string]string{
		r.cfg.RegistryURLKey:    ep.RegistryURL,
		r.cfg.RegistrySecretKey: ep.RegistrySecret,
	} {
		if key == "" {
			continue
		}
		got, _, err := envfile.ReadValue(r.cfg.ContactFile, key)
		if err != nil || got != want {
			return false, err
		}
	}
	return true, nil
}

// ContactCurrent reports whether the contact setting equals the running
// node's identity.
func (r *Reconciler) ContactCurrent(ctx context.Context) (bool, error) {
	identity, err := r.FetchOwnRegistryIdentity(ctx)
	if err != nil {
		return false, err
	}
	got, _, err := envfile.ReadValue(r.cfg.ContactFile, r.cfg.ContactKey)
	if err != nil {
		return false, err
	}
	return got == identity, nil
}

// ApplyPeerRefresh fetches, persists and applies a fresh peer list.
//
// # Description
//
//  1. Fetch the list; any failure returns before anything is written.
//  2. Persist it atomically and print it.
//  3. If the node was not running, stop here: the list applies on the next
//     manual start.
//  4. Reconcile the registry contact with the node's identity.
//  5. Restart the node after confirmation, clearing its peer cache while it
//     is stopped. Without confirmation the restart is deferred.
//
// # Outputs
//
//   - *RefreshReport: Never nil
//   - error: Fetch, persist, identity or restart failure
func (r *Reconciler) ApplyPeerRefresh(ctx context.Context) (*RefreshReport, error) {
	report := &RefreshReport{}

	wasRunning, err := r.rt.IsRunning(ctx, infra.ServiceBlockchain)
	if err != nil {
		return report, err
	}

	peers, err := r.FetchPeerList(ctx)
	if err != nil {
		return report, err
	}
	if err := r.PersistPeerList(peers); err != nil {
		return report, err
	}
	report.Peers = peers

	if !wasRunning {
		report.Deferred = true
		report.Message = "blockchain node is not running; the new peer list will apply on next manual start"
		return report, nil
	}

	identity, err := r.ReconcileRegistryContact(ctx)
	if err != nil {
		return report, err
	}
	report.Identity = identity

	proceed, reason, err := r.confirmRestart(ctx, len(peers))
	if err != nil {
		return report, err
	}
	if !proceed {
		report.Deferred = true
		report.Message = reason
		return report, nil
	}

	if err := r.restartWithCleanCache(ctx, report); err != nil {
		return report, err
	}
	report.Restarted = true
	report.Message = fmt.Sprintf("blockchain node restarted with %d peer(s)", len(peers))
	if report.StaleCache {
		report.Message += "; the old peer cache was kept and may slow peering down"
	}
	return report, nil
}

func (r *Reconciler) confirmRestart(ctx context.Context, n int) (bool, string, error) {
	if r.cfg.AutoConfirmRestart {
		return true, "", nil
	}
	ok, err := r.confirm.Confirm(ctx, fmt.Sprintf("Restart the blockchain node now to apply %d peer(s)?", n))
	if errors.Is(err, prompt.ErrNonInteractive) {
		return false, "restart deferred in non-interactive mode; " + AutoRestartHint, nil
	}
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "restart declined; the new peer list applies on the next restart", nil
	}
	return true, "", nil
}

func (r *Reconciler) restartWithCleanCache(ctx context.Context, report *RefreshReport) error {
	if err := r.rt.Stop(ctx, infra.ServiceBlockchain); err != nil {
		return fmt.Errorf("stopping blockchain node: %w", err)
	}

	if err := r.clearPeerCache(); err != nil {
		// Restart anyway; a stale cache only slows peering down.
		report.StaleCache = true
		report.Warnings = append(report.Warnings, err.Error())
		r.logger.Warn("peer cache not cleared", "error", err)
	}

	if err := r.rt.Start(ctx, infra.ServiceBlockchain); err != nil {
		return fmt.Errorf("starting blockchain node: %w", err)
	}

	err := infra.WaitUntil(ctx, infra.WaitOptions{
		Name:     "blockchain RPC",
		Timeout:  r.cfg.ReadyTimeout,
		Interval: 2 * time.Second,
	}, func(ctx context.Context) error {
		_, err := r.node.Enode(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("blockchain node restarted but RPC not ready: %w", err)
	}
	return nil
}

func (r *Reconciler) clearPeerCache() error {
	if r.cfg.DataDir == "" {
		return errors.New("no data dir configured; peer cache left in place")
	}
	var failed []string
	for _, rel := range r.cfg.PeerCachePaths {
		clean := filepath.Clean(rel)
		if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
			failed = append(failed, rel+" (outside data dir)")
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.cfg.DataDir, clean)); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", rel, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("could not clear peer cache: %s", strings.Join(failed, ", "))
	}
	return nil
}
