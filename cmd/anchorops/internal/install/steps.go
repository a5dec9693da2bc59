// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/clients"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/secrets"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

// maxExtrasBytes caps the optional extras download.
const maxExtrasBytes = 64 << 20

// buildSteps returns the full sequence. Mode filtering happens in
// selectSteps so StepNames and --only agree.
func (o *Orchestrator) buildSteps() []Step {
	host := []infra.Mode{infra.ModeHost}
	container := []infra.Mode{infra.ModeContainer}
	return []Step{
		{Name: "dependencies", Run: o.runDependencies},
		{Name: "chain-config", Check: o.checkChainConfig, Run: o.runChainConfig},
		{Name: "database", Check: o.checkDatabase, Run: o.runDatabase},
		{Name: "cache", Check: o.checkCache, Run: o.runCache},
		{Name: "certificate", Check: o.checkCertificate, Run: o.runCertificate},
		{Name: "proxy", Check: o.checkProxy, Run: o.runProxy},
		{Name: "node-identity", Check: o.checkNodeIdentity, Run: o.runNodeIdentity},
		{Name: "web", Check: o.checkWeb, Run: o.runWeb},
		{Name: "queue", Check: o.checkQueue, Run: o.runQueue},
		{Name: "peers", Modes: host, Run: o.runPeers},
		{Name: "admin", Modes: container, Optional: true, Check: o.checkAdmin, Run: o.runAdmin},
		{Name: "extras", Modes: container, Optional: true, Check: o.checkExtras, Run: o.runExtras},
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (o *Orchestrator) waitFor(ctx context.Context, name string, probe func(ctx context.Context) error) error {
	return infra.WaitUntil(ctx, infra.WaitOptions{
		Name:     name,
		Timeout:  o.settings.ReadyTimeout,
		Interval: o.settings.ReadyInterval,
	}, probe)
}

// ensureRunning starts svc, or restarts it when restart is set and it is
// already up.
func (o *Orchestrator) ensureRunning(ctx context.Context, svc infra.Service, restart bool) error {
	running, err := o.deps.Runtime.IsRunning(ctx, svc)
	if err != nil {
		return err
	}
	if running && restart {
		return o.deps.Runtime.Restart(ctx, svc)
	}
	if running {
		return nil
	}
	return o.deps.Runtime.Start(ctx, svc)
}

// ensureCredential returns the credential stored at path/key when the tier
// accepts it, or a freshly generated one. regenerated reports the latter.
// Nothing is written here.
func (o *Orchestrator) ensureCredential(path, key string) (value string, regenerated bool, err error) {
	current, _, err := envfile.ReadValue(path, key)
	if err != nil {
		return "", false, err
	}
	if current != "" {
		warnings, verr := validation.ValidateCredentialForTier(current, o.settings.Tier)
		if verr == nil {
			for _, w := range warnings {
				o.logger.Warn("weak credential kept", "key", key, "warning", w)
			}
			return current, false, nil
		}
		o.logger.Warn("existing credential rejected; generating a new one", "key", key, "reason", verr)
	}
	s, err := o.deps.Secrets.Generate(credentialLength(o.settings.Tier))
	if err != nil {
		return "", false, err
	}
	return s.Value, true, nil
}

// credentialUsable reports whether path/key holds a value the tier accepts.
func (o *Orchestrator) credentialUsable(path, key string) (string, bool) {
	v, _, err := envfile.ReadValue(path, key)
	if err != nil || v == "" {
		return "", false
	}
	if _, err := validation.ValidateCredentialForTier(v, o.settings.Tier); err != nil {
		return "", false
	}
	return v, true
}

func (o *Orchestrator) markerPath(name string) string {
	return filepath.Join(o.settings.StateDir, name)
}

func (o *Orchestrator) hasMarker(name string) bool {
	if o.settings.StateDir == "" {
		return false
	}
	_, err := os.Stat(o.markerPath(name))
	return err == nil
}

func (o *Orchestrator) writeMarker(name string) error {
	if o.settings.StateDir == "" {
		return errors.New("state dir not configured")
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	return envfile.WriteAtomic(o.markerPath(name), []byte(stamp), 0644)
}

func (o *Orchestrator) exec(ctx context.Context, svc infra.Service, cmd []string, env map[string]string) error {
	_, err := infra.ExecChecked(ctx, o.deps.Runtime, infra.ExecOptions{Service: svc, Command: cmd, Env: env})
	return err
}

// -----------------------------------------------------------------------------
// 1. dependencies
// -----------------------------------------------------------------------------

func (o *Orchestrator) runDependencies(ctx context.Context) (string, error) {
	if err := o.deps.Runtime.Refresh(ctx); err != nil {
		return "", err
	}
	if o.settings.Mode == infra.ModeHost {
		return "unit files reloaded", nil
	}
	return "images pulled", nil
}

// -----------------------------------------------------------------------------
// 2. chain-config
// -----------------------------------------------------------------------------

func (o *Orchestrator) webhookTargets() (primary, secondary envfile.Target) {
	return envfile.Target{Path: o.settings.ChainEnv, Key: KeyWebhookSecret},
		envfile.Target{Path: o.settings.WebEnv, Key: KeyWebWebhook}
}

func (o *Orchestrator) checkChainConfig(ctx context.Context) (bool, error) {
	network, _, err := envfile.ReadValue(o.settings.ChainEnv, KeyNetwork)
	if err != nil || network != o.settings.Target.String() {
		return false, err
	}
	current, err := o.deps.Network.EndpointsCurrent()
	if err != nil || !current {
		return false, err
	}
	primary, secondary := o.webhookTargets()
	a, _, err := envfile.ReadValue(primary.Path, primary.Key)
	if err != nil {
		return false, err
	}
	b, _, err := envfile.ReadValue(secondary.Path, secondary.Key)
	if err != nil {
		return false, err
	}
	return a == b && len(a) >= secrets.MinSharedSecretLength, nil
}

func (o *Orchestrator) runChainConfig(ctx context.Context) (string, error) {
	if err := envfile.Upsert(o.settings.ChainEnv, KeyNetwork, o.settings.Target.String()); err != nil {
		return "", err
	}
	if err := o.deps.Network.WriteRegistryEndpoints(); err != nil {
		return "", err
	}
	primary, secondary := o.webhookTargets()
	res, err := o.deps.Secrets.SynchronizeSharedSecret(primary, secondary)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("network %s; webhook secret from %s", o.settings.Target, res.Origin), nil
}

// -----------------------------------------------------------------------------
// 3. database
// -----------------------------------------------------------------------------

func (o *Orchestrator) appCredentials(password string) clients.Credentials {
	return clients.Credentials{
		Username: o.settings.DatabaseUser,
		Password: password,
		Database: o.settings.DatabaseName,
	}
}

func (o *Orchestrator) databaseClient(rootPassword string) clients.DatabaseClient {
	return o.deps.NewDatabase(clients.Credentials{
		Username: o.settings.DatabaseAdminUser,
		Password: rootPassword,
	})
}

func (o *Orchestrator) checkDatabase(ctx context.Context) (bool, error) {
	root, ok := o.credentialUsable(o.settings.RootEnv, KeyDBRootPassword)
	if !ok {
		return false, nil
	}
	app, ok := o.credentialUsable(o.settings.RootEnv, KeyDBPassword)
	if !ok {
		return false, nil
	}
	web, _, err := envfile.ReadValue(o.settings.WebEnv, KeyDBPassword)
	if err != nil || web != app {
		return false, err
	}
	return o.databaseClient(root).CanAuthenticate(ctx, o.appCredentials(app))
}

func (o *Orchestrator) runDatabase(ctx context.Context) (string, error) {
	stored, _, err := envfile.ReadValue(o.settings.RootEnv, KeyDBRootPassword)
	if err != nil {
		return "", err
	}
	root, rootNew, err := o.ensureCredential(o.settings.RootEnv, KeyDBRootPassword)
	if err != nil {
		return "", err
	}
	app, appNew, err := o.ensureCredential(o.settings.RootEnv, KeyDBPassword)
	if err != nil {
		return "", err
	}

	// A replaced root password may already be live in an initialized
	// volume, so the server changes first and the env file follows.
	rotate := rootNew && stored != ""
	if !rotate {
		if err := envfile.Upsert(o.settings.RootEnv, KeyDBRootPassword, root); err != nil {
			return "", err
		}
	}
	if _, err := envfile.UpsertAll([]envfile.Target{
		{Path: o.settings.RootEnv, Key: KeyDBPassword},
		{Path: o.settings.WebEnv, Key: KeyDBPassword},
	}, app); err != nil {
		return "", err
	}
	names := map[string]string{
		KeyDBDatabase: o.settings.DatabaseName,
		KeyDBUsername: o.settings.DatabaseUser,
	}
	for _, path := range []string{o.settings.RootEnv, o.settings.WebEnv} {
		if err := envfile.UpsertMany(path, names); err != nil {
			return "", err
		}
	}

	if err := o.deps.Runtime.Start(ctx, infra.ServiceDatabase); err != nil {
		return "", err
	}
	if rotate {
		if root, err = o.rotateRootPassword(ctx, stored, root); err != nil {
			return "", err
		}
	}
	db := o.databaseClient(root)
	if err := o.waitFor(ctx, "database", db.Ping); err != nil {
		return "", err
	}
	creds := o.appCredentials(app)
	if err := db.Provision(ctx, creds); err != nil {
		return "", err
	}
	ok, err := db.CanAuthenticate(ctx, creds)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s cannot log in after provisioning", clients.ErrAuthFailed, creds.Username)
	}

	switch {
	case rotate:
		return "root password rotated; credentials provisioned", nil
	case rootNew || appNew:
		return "credentials generated and provisioned", nil
	}
	return "existing credentials reused", nil
}

// rotateRootPassword moves a running database from the stored root
// password to fresh and returns the root password now in effect. The new
// value is staged under KeyDBRootPending before the server changes, and
// KeyDBRootPassword keeps the working value until the server accepts the
// new one. A staged value left by an interrupted run is promoted when it is
// the one the server accepts.
func (o *Orchestrator) rotateRootPassword(ctx context.Context, stored, fresh string) (string, error) {
	env := o.settings.RootEnv
	current := o.databaseClient(stored)
	if err := o.waitFor(ctx, "database", current.Ping); err != nil {
		pending, ok, perr := envfile.ReadValue(env, KeyDBRootPending)
		if perr == nil && ok && pending != "" && o.databaseClient(pending).Ping(ctx) == nil {
			return pending, o.promoteRootPassword(pending)
		}
		return "", fmt.Errorf("%s in %s is rejected for the %s tier and the database does not accept it either; "+
			"put the database's current root password there and re-run 'anchorops install --only database': %w",
			KeyDBRootPassword, env, o.settings.Tier, err)
	}

	if err := envfile.Upsert(env, KeyDBRootPending, fresh); err != nil {
		return "", err
	}
	if err := current.RotateAdminPassword(ctx, fresh); err != nil {
		_ = envfile.Remove(env, KeyDBRootPending)
		return "", fmt.Errorf("rotating database root password: %w", err)
	}
	if err := o.databaseClient(fresh).Ping(ctx); err != nil {
		return "", fmt.Errorf("database rejected the rotated root password (kept as %s in %s): %w", KeyDBRootPending, env, err)
	}
	o.logger.Info("database root password rotated")
	return fresh, o.promoteRootPassword(fresh)
}

func (o *Orchestrator) promoteRootPassword(password string) error {
	if err := envfile.Upsert(o.settings.RootEnv, KeyDBRootPassword, password); err != nil {
		return err
	}
	return envfile.Remove(o.settings.RootEnv, KeyDBRootPending)
}

// -----------------------------------------------------------------------------
// 4. cache
// -----------------------------------------------------------------------------

func (o *Orchestrator) cacheTargets() []envfile.Target {
	targets := []envfile.Target{
		{Path: o.settings.RootEnv, Key: KeyCachePassword},
		{Path: o.settings.WebEnv, Key: KeyCachePassword},
	}
	if o.settings.CacheEnv != "" {
		targets = append(targets, envfile.Target{Path: o.settings.CacheEnv, Key: KeyCachePassword})
	}
	return targets
}

func (o *Orchestrator) checkCache(ctx context.Context) (bool, error) {
	pw, ok := o.credentialUsable(o.settings.RootEnv, KeyCachePassword)
	if !ok {
		return false, nil
	}
	for _, t := range o.cacheTargets()[1:] {
		v, _, err := envfile.ReadValue(t.Path, t.Key)
		if err != nil || v != pw {
			return false, err
		}
	}
	cache := o.deps.NewCache(pw)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) runCache(ctx context.Context) (string, error) {
	pw, regenerated, err := o.ensureCredential(o.settings.RootEnv, KeyCachePassword)
	if err != nil {
		return "", err
	}
	if _, err := envfile.UpsertAll(o.cacheTargets(), pw); err != nil {
		return "", err
	}
	// A running cache only picks up a new password on restart.
	if err := o.ensureRunning(ctx, infra.ServiceCache, regenerated); err != nil {
		return "", err
	}
	cache := o.deps.NewCache(pw)
	defer cache.Close()
	if err := o.waitFor(ctx, "cache", cache.Ping); err != nil {
		return "", err
	}
	if regenerated {
		return "password generated", nil
	}
	return "existing password reused", nil
}

// -----------------------------------------------------------------------------
// 6. proxy
// -----------------------------------------------------------------------------

func (o *Orchestrator) proxyValues() map[string]string {
	return map[string]string{
		KeyDomain:    o.settings.Domain,
		KeyCertEmail: o.settings.Email,
	}
}

func (o *Orchestrator) checkProxy(ctx context.Context) (bool, error) {
	for key, want := range o.proxyValues() {
		got, _, err := envfile.ReadValue(o.settings.ProxyEnv, key)
		if err != nil || got != want {
			return false, err
		}
	}
	return o.deps.Runtime.IsRunning(ctx, infra.ServiceProxy)
}

func (o *Orchestrator) runProxy(ctx context.Context) (string, error) {
	if err := envfile.UpsertMany(o.settings.ProxyEnv, o.proxyValues()); err != nil {
		return "", err
	}
	if err := o.ensureRunning(ctx, infra.ServiceProxy, true); err != nil {
		return "", err
	}
	return "serving " + o.settings.Domain, nil
}

// -----------------------------------------------------------------------------
// 7. node-identity
// -----------------------------------------------------------------------------

func (o *Orchestrator) checkNodeIdentity(ctx context.Context) (bool, error) {
	return o.deps.Network.ContactCurrent(ctx)
}

func (o *Orchestrator) runNodeIdentity(ctx context.Context) (string, error) {
	if err := o.deps.Runtime.Start(ctx, infra.ServiceBlockchain); err != nil {
		return "", err
	}
	err := o.waitFor(ctx, "blockchain RPC", func(ctx context.Context) error {
		_, err := o.deps.Network.FetchOwnRegistryIdentity(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	identity, err := o.deps.Network.ReconcileRegistryContact(ctx)
	if err != nil {
		return "", err
	}
	return "registry contact " + identity, nil
}

// -----------------------------------------------------------------------------
// 8. web
// -----------------------------------------------------------------------------

func (o *Orchestrator) checkWeb(ctx context.Context) (bool, error) {
	if !o.hasMarker(markerWebSeeded) {
		return false, nil
	}
	key, _, err := envfile.ReadValue(o.settings.WebEnv, KeyAppKey)
	if err != nil || key == "" {
		return false, err
	}
	return o.deps.Runtime.IsRunning(ctx, infra.ServiceWeb)
}

func (o *Orchestrator) runWeb(ctx context.Context) (string, error) {
	var done []string

	key, _, err := envfile.ReadValue(o.settings.WebEnv, KeyAppKey)
	if err != nil {
		return "", err
	}
	if key == "" {
		s, err := o.deps.Secrets.Generate(32)
		if err != nil {
			return "", err
		}
		if err := envfile.Upsert(o.settings.WebEnv, KeyAppKey, s.Value); err != nil {
			return "", err
		}
		done = append(done, "app key generated")
	}

	if err := o.ensureRunning(ctx, infra.ServiceWeb, false); err != nil {
		return "", err
	}
	if err := o.exec(ctx, infra.ServiceWeb, o.settings.Commands.Migrate, nil); err != nil {
		return "", fmt.Errorf("migrations: %w", err)
	}
	done = append(done, "migrated")

	if !o.hasMarker(markerWebSeeded) {
		if err := o.exec(ctx, infra.ServiceWeb, o.settings.Commands.Seed, nil); err != nil {
			return "", fmt.Errorf("seeding: %w", err)
		}
		if err := o.writeMarker(markerWebSeeded); err != nil {
			return "", err
		}
		done = append(done, "seeded")
	}

	if err := o.exec(ctx, infra.ServiceWeb, o.settings.Commands.CacheClear, nil); err != nil {
		return "", fmt.Errorf("cache clear: %w", err)
	}
	return strings.Join(done, ", "), nil
}

// -----------------------------------------------------------------------------
// 9. queue
// -----------------------------------------------------------------------------

func (o *Orchestrator) checkQueue(ctx context.Context) (bool, error) {
	return o.deps.Runtime.IsRunning(ctx, infra.ServiceQueue)
}

func (o *Orchestrator) runQueue(ctx context.Context) (string, error) {
	if err := o.exec(ctx, infra.ServiceWeb, o.settings.Commands.QueueInstall, nil); err != nil {
		return "", err
	}
	if err := o.deps.Runtime.Start(ctx, infra.ServiceQueue); err != nil {
		return "", err
	}
	return "queue started", nil
}

// -----------------------------------------------------------------------------
// 10. peers (host)
// -----------------------------------------------------------------------------

func (o *Orchestrator) runPeers(ctx context.Context) (string, error) {
	report, err := o.deps.Network.ApplyPeerRefresh(ctx)
	if err != nil {
		return "", err
	}
	for _, w := range report.Warnings {
		o.logger.Warn("peer refresh", "warning", w)
	}
	if report.Deferred {
		return "", deferred(report.Message)
	}
	return report.Message, nil
}

// -----------------------------------------------------------------------------
// 10/11. admin and extras (container, optional)
// -----------------------------------------------------------------------------

func (o *Orchestrator) checkAdmin(ctx context.Context) (bool, error) {
	return o.hasMarker(markerAdminCreated), nil
}

func (o *Orchestrator) runAdmin(ctx context.Context) (string, error) {
	if o.settings.AdminEmail == "" || o.settings.AdminPassword == "" {
		return "", skip("no admin credentials configured")
	}
	if _, err := validation.ValidateCredentialForTier(o.settings.AdminPassword, o.settings.Tier); err != nil {
		return "", err
	}
	cmd := append(append([]string{}, o.settings.Commands.AdminCreate...), "--email="+o.settings.AdminEmail)
	// The password travels in the environment so it never shows in ps.
	if err := o.exec(ctx, infra.ServiceWeb, cmd, map[string]string{"ADMIN_PASSWORD": o.settings.AdminPassword}); err != nil {
		return "", err
	}
	if err := o.writeMarker(markerAdminCreated); err != nil {
		return "", err
	}
	return "admin " + o.settings.AdminEmail + " created", nil
}

func (o *Orchestrator) checkExtras(ctx context.Context) (bool, error) {
	if o.settings.ExtrasPath == "" {
		return false, nil
	}
	info, err := os.Stat(o.settings.ExtrasPath)
	if err != nil {
		return false, nil
	}
	return info.Size() > 0, nil
}

func (o *Orchestrator) runExtras(ctx context.Context) (string, error) {
	if o.settings.ExtrasURL == "" {
		return "", skip("no extras URL configured")
	}
	if o.settings.ExtrasPath == "" {
		return "", errors.New("extras URL set without a destination path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.settings.ExtrasURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.deps.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading extras: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading extras: %s returned %s", o.settings.ExtrasURL, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxExtrasBytes+1))
	if err != nil {
		return "", fmt.Errorf("downloading extras: %w", err)
	}
	switch {
	case len(data) == 0:
		return "", errors.New("downloading extras: empty response")
	case len(data) > maxExtrasBytes:
		return "", fmt.Errorf("downloading extras: larger than %s", humanize.IBytes(maxExtrasBytes))
	}
	if err := envfile.WriteAtomic(o.settings.ExtrasPath, data, 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s written to %s", humanize.Bytes(uint64(len(data))), o.settings.ExtrasPath), nil
}
