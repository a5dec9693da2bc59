// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/cmd/anchorops/config"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/backup"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/clients"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/envfile"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/compose"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/process"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/systemd"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/install"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/metrics"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/network"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/offsite"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/prompt"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/secrets"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
	"github.com/AleutianAI/anchorops/pkg/logging"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

// nodeRPCTimeout bounds each admin RPC call to the blockchain node.
const nodeRPCTimeout = 10 * time.Second

// app is everything a command needs, built once from the loaded config.
type app struct {
	cfg     *config.DeploymentConfig
	log     *logging.Logger
	logger  *slog.Logger
	out     *ux.Printer
	confirm prompt.Confirmer
	tier    validation.TierDecision
	rt      infra.Runtime
	lock    *process.Lock
	oplog   *oplog.Log
	metrics *metrics.Recorder
}

// newApp loads the config and wires the shared collaborators.
//
// # Description
//
// The tier is detected here, once, and never re-evaluated during the run.
// Service clients are built per command since they need credentials that
// install may create.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if verbose {
		level = logging.LevelDebug
	}
	lg := logging.New(logging.Config{
		Level:  level,
		LogDir: cfg.Logging.Dir,
		JSON:   cfg.Logging.JSON,
		Output: cmd.ErrOrStderr(),
	})
	logger := lg.Slog()

	tier, err := validation.DetectTier(validation.TierSignals{
		StateDir:    cfg.StateDir,
		HostPattern: cfg.Tier.HostPattern,
	})
	if err != nil {
		_ = lg.Close()
		return nil, err
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		_ = lg.Close()
		return nil, err
	}

	ol, err := oplog.Open(filepath.Join(cfg.StateDir, "oplog.log"))
	if err != nil {
		_ = lg.Close()
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		log:    lg,
		logger: logger.With("tier", string(tier.Tier)),
		out:    ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		confirm: prompt.New(prompt.Options{
			Yes:    assumeYes,
			Phrase: confirmPhrase,
			Plain:  plainPrompts,
		}),
		tier:    tier,
		rt:      rt,
		lock:    process.NewLock(process.LockConfig{LockDir: cfg.StateDir}),
		oplog:   ol,
		metrics: metrics.NewRecorder(),
	}
	a.logger.Debug("config loaded", "path", cfg.Path(), "mode", cfg.Mode, "target", cfg.Target().String(),
		"tier_source", tier.Source)
	return a, nil
}

func newRuntime(cfg *config.DeploymentConfig, logger *slog.Logger) (infra.Runtime, error) {
	proc := process.NewDefaultManager()
	switch cfg.RuntimeMode() {
	case infra.ModeHost:
		return systemd.NewRuntime(systemd.Config{
			Units:    cfg.ServiceNames(),
			WorkDirs: cfg.WorkDirs(),
		}, proc, logger), nil
	default:
		rt, err := compose.NewRuntime(compose.Config{
			StackDir:    cfg.StackDir,
			ProjectName: cfg.Compose.Project,
			Command:     cfg.Compose.Command,
			Files:       cfg.Compose.Files,
			Services:    cfg.ServiceNames(),
		}, proc, logger)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}

func (a *app) Close() {
	_ = a.log.Close()
}

// =============================================================================
// Operation Wrapper
// =============================================================================

// outcome is what an operation body reports back to the wrapper.
type outcome struct {
	status oplog.Status
	detail string
}

// operation runs fn as a named operation.
//
// # Description
//
// Mutating operations hold the process lock for their whole duration. Every
// operation gets a start and finish line in the operation log, and its
// status and duration go to the metrics textfile when one is configured.
// A textfile write failure is logged, never returned.
func (a *app) operation(ctx context.Context, name, detail string, mutating bool,
	fn func(ctx context.Context) (outcome, error)) error {
	if mutating {
		if err := a.lock.Acquire(); err != nil {
			var held *process.LockHeldError
			if errors.As(err, &held) {
				return fmt.Errorf("another anchorops operation is in progress: %w", err)
			}
			return fmt.Errorf("failed to take the process lock: %w", err)
		}
		defer func() {
			if err := a.lock.Release(); err != nil {
				a.logger.Warn("failed to release the process lock", "error", err)
			}
		}()
	}

	op := a.oplog.Begin(name, detail)
	start := time.Now()
	res, err := fn(ctx)
	if err != nil {
		res.status = oplog.StatusFailed
	} else if res.status == "" {
		res.status = oplog.StatusSucceeded
	}
	op.Finish(res.status, res.detail, err)

	a.metrics.ObserveOperation(name, string(res.status), time.Since(start))
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfileDir); err != nil {
		a.logger.Warn("failed to write metrics textfile", "dir", a.cfg.Metrics.TextfileDir, "error", err)
	}
	a.logger.Debug("operation finished", "operation", name, "id", op.ID(), "status", string(res.status),
		"elapsed", time.Since(start).Round(time.Millisecond).String())
	return err
}

// =============================================================================
// Collaborators
// =============================================================================

func (a *app) rootValue(key string) string {
	v, _, err := envfile.ReadValue(a.cfg.EnvFiles.Root, key)
	if err != nil {
		a.logger.Warn("failed to read root env", "path", a.cfg.EnvFiles.Root, "key", key, "error", err)
	}
	return v
}

func (a *app) newDatabase(admin clients.Credentials) clients.DatabaseClient {
	return clients.NewMySQLClient(clients.MySQLConfig{
		Addr:  a.cfg.Database.Addr,
		Admin: admin,
	}, a.rt, a.logger)
}

func (a *app) newCache(password string) clients.CacheClient {
	return clients.NewRedisClient(clients.RedisConfig{
		Addr:     a.cfg.Cache.Addr,
		Password: password,
	}, a.logger)
}

// reconciler builds the network reconciler. autoRestart widens the
// configured auto-confirm for this run only.
func (a *app) reconciler() (*network.Reconciler, error) {
	n := a.cfg.Network
	return network.NewReconciler(network.Config{
		Target:             a.cfg.Target(),
		PeerFile:           n.PeerFile,
		ContactFile:        a.cfg.EnvFiles.Chain,
		ContactKey:         n.ContactKey,
		RegistryURLKey:     n.RegistryURLKey,
		RegistrySecretKey:  n.RegistryKey,
		DataDir:            n.DataDir,
		PeerCachePaths:     n.PeerCachePaths,
		PublicHost:         n.PublicHost,
		AutoConfirmRestart: n.AutoConfirmRestart || autoRestart,
		ReadyTimeout:       a.cfg.ReadyTimeout,
	},
		network.NewWSRegistryClient(n.RegistryWait, a.logger),
		network.NewRPCNodeClient(n.NodeRPC, nodeRPCTimeout),
		a.rt, a.confirm, a.out.Out(), a.logger)
}

// uploader builds the offsite uploader from backup.offsite.
func (a *app) uploader(ctx context.Context) (*offsite.GCSUploader, error) {
	off := a.cfg.Backup.Offsite
	if off.Bucket == "" {
		return nil, fmt.Errorf("%w: --offsite needs backup.offsite.bucket", config.ErrInvalidConfig)
	}
	return offsite.NewGCSUploader(ctx, offsite.GCSConfig{
		Bucket:  off.Bucket,
		Prefix:  off.Prefix,
		KeyPath: off.KeyPath,
	}, a.logger)
}

// engine builds the backup engine. The returned close releases the cache
// connection and the offsite client.
func (a *app) engine(ctx context.Context, up *offsite.GCSUploader) (*backup.Engine, func(), error) {
	db := a.newDatabase(clients.Credentials{
		Username: a.cfg.Database.AdminUser,
		Password: a.rootValue(install.KeyDBRootPassword),
	})
	cache := a.newCache(a.rootValue(install.KeyCachePassword))
	closers := []func() error{cache.Close}

	opts := []backup.Option{backup.WithMetrics(a.metrics)}
	if up != nil {
		closers = append(closers, up.Close)
		opts = append(opts, backup.WithUploader(up))
	}

	eng := backup.NewEngine(backup.Config{
		Dir:               a.cfg.Backup.Dir,
		MinFreeGB:         a.cfg.Backup.MinFreeGB,
		Database:          a.cfg.Database.Name,
		CacheSnapshotPath: a.cfg.Cache.SnapshotPath,
		ConfigFiles:       a.cfg.Backup.ConfigFiles,
		ReadyTimeout:      a.cfg.ReadyTimeout,
	}, db, cache, a.rt, validation.NewDefaultProber(), a.confirm, a.logger, opts...)

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.logger.Debug("close failed", "error", err)
			}
		}
	}
	return eng, closeAll, nil
}

// orchestrator builds the installer for this config and tier.
func (a *app) orchestrator() (*install.Orchestrator, error) {
	rec, err := a.reconciler()
	if err != nil {
		return nil, err
	}
	return install.NewOrchestrator(installSettings(a.cfg, a.tier.Tier), install.Deps{
		Runtime:     a.rt,
		Prober:      validation.NewDefaultProber(),
		Instance:    a.lock,
		Confirm:     a.confirm,
		Secrets:     secrets.NewGenerator(a.logger),
		Network:     rec,
		NewDatabase: a.newDatabase,
		NewCache:    a.newCache,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}), nil
}

// installSettings maps the deployment config onto installer settings.
func installSettings(cfg *config.DeploymentConfig, tier validation.Tier) install.Settings {
	return install.Settings{
		Mode:              cfg.RuntimeMode(),
		Tier:              tier,
		Target:            cfg.Target(),
		Domain:            cfg.Domain,
		Email:             cfg.Email,
		DataDir:           cfg.StackDir,
		StateDir:          cfg.StateDir,
		RootEnv:           cfg.EnvFiles.Root,
		WebEnv:            cfg.EnvFiles.Web,
		ChainEnv:          cfg.EnvFiles.Chain,
		ProxyEnv:          cfg.EnvFiles.Proxy,
		CacheEnv:          cfg.EnvFiles.Cache,
		DatabaseName:      cfg.Database.Name,
		DatabaseUser:      cfg.Database.User,
		DatabaseAdminUser: cfg.Database.AdminUser,
		CertDir:           cfg.Certificates.Dir,
		CertRenewBefore:   time.Duration(cfg.Certificates.RenewBeforeDays) * 24 * time.Hour,
		AdminEmail:        cfg.Admin.Email,
		AdminPassword:     cfg.Admin.Password,
		ExtrasURL:         cfg.Extras.URL,
		ExtrasPath:        cfg.Extras.Path,
		ReadyTimeout:      cfg.ReadyTimeout,
	}
}
