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
	"time"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/network"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

// Keys written into the env files.
const (
	KeyDBDatabase     = "DB_DATABASE"
	KeyDBUsername     = "DB_USERNAME"
	KeyDBPassword     = "DB_PASSWORD"
	KeyDBRootPassword = "DB_ROOT_PASSWORD"
	KeyDBRootPending  = "DB_ROOT_PASSWORD_PENDING"
	KeyCachePassword  = "REDIS_PASSWORD"
	KeyAppKey         = "APP_KEY"
	KeyNetwork        = "NETWORK"
	KeyWebhookSecret  = "WEBHOOK_SECRET"
	KeyWebWebhook     = "CHAIN_WEBHOOK_SECRET"
	KeyDomain         = "DOMAIN"
	KeyCertEmail      = "LETSENCRYPT_EMAIL"
)

// Marker files under StateDir.
const (
	markerWebSeeded    = "web-seeded"
	markerAdminCreated = "admin-created"
)

// Commands are the collaborator commands run in the web service.
type Commands struct {
	Migrate      []string
	Seed         []string
	CacheClear   []string
	QueueInstall []string
	AdminCreate  []string
}

// DefaultCommands targets a Laravel web tier with Horizon as the queue.
func DefaultCommands() Commands {
	return Commands{
		Migrate:      []string{"php", "artisan", "migrate", "--force"},
		Seed:         []string{"php", "artisan", "db:seed", "--force"},
		CacheClear:   []string{"php", "artisan", "optimize:clear"},
		QueueInstall: []string{"php", "artisan", "horizon:install"},
		AdminCreate:  []string{"php", "artisan", "user:create-admin"},
	}
}

// Settings is everything the steps need from the deployment config. It is
// built once and never modified during a run.
type Settings struct {
	Mode   infra.Mode
	Tier   validation.Tier
	Target network.Target

	// Domain and Email drive certificate issuance and the proxy.
	Domain string
	Email  string

	// DataDir is checked for disk space by preflight.
	DataDir string

	// StateDir holds the markers that make one-time actions idempotent.
	StateDir string

	RootEnv  string
	WebEnv   string
	ChainEnv string
	ProxyEnv string

	// CacheEnv, when set, also receives the cache password (host mode).
	CacheEnv string

	DatabaseName      string
	DatabaseUser      string
	DatabaseAdminUser string

	// CertDir holds "<domain>/fullchain.pem". Empty skips the expiry
	// check after issuance.
	CertDir string

	// CertRenewBefore is the remaining validity under which the
	// certificate step runs again. Default: 30 days
	CertRenewBefore time.Duration

	// AdminEmail and AdminPassword enable the optional admin step.
	AdminEmail    string
	AdminPassword string

	// ExtrasURL and ExtrasPath enable the optional extras download.
	ExtrasURL  string
	ExtrasPath string

	// ReadyTimeout bounds every service wait. Default: 2m
	ReadyTimeout time.Duration

	// ReadyInterval is the poll interval. Default: 2s
	ReadyInterval time.Duration

	Commands Commands
}

func (s Settings) withDefaults() Settings {
	if s.CertRenewBefore <= 0 {
		s.CertRenewBefore = 30 * 24 * time.Hour
	}
	if s.ReadyTimeout <= 0 {
		s.ReadyTimeout = 2 * time.Minute
	}
	if s.ReadyInterval <= 0 {
		s.ReadyInterval = 2 * time.Second
	}
	if s.DatabaseAdminUser == "" {
		s.DatabaseAdminUser = "root"
	}
	def := DefaultCommands()
	if s.Commands.Migrate == nil {
		s.Commands.Migrate = def.Migrate
	}
	if s.Commands.Seed == nil {
		s.Commands.Seed = def.Seed
	}
	if s.Commands.CacheClear == nil {
		s.Commands.CacheClear = def.CacheClear
	}
	if s.Commands.QueueInstall == nil {
		s.Commands.QueueInstall = def.QueueInstall
	}
	if s.Commands.AdminCreate == nil {
		s.Commands.AdminCreate = def.AdminCreate
	}
	return s
}

// credentialLength is the length of generated passwords for the tier.
func credentialLength(t validation.Tier) int {
	if t == validation.TierProduction {
		return 32
	}
	return 24
}
