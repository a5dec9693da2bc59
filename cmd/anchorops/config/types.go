// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/network"
)

// DeploymentConfig describes one deployed stack. Load returns it fully
// defaulted and validated; nothing modifies it afterwards.
type DeploymentConfig struct {
	// Mode is "container" (compose) or "host" (systemd).
	Mode string `yaml:"mode" validate:"required,oneof=container host"`

	// StackDir is the root every relative path below resolves against.
	StackDir string `yaml:"stack_dir" validate:"required"`

	// StateDir holds tier markers, install markers, the lock and the
	// operation log.
	StateDir string `yaml:"state_dir"`

	Domain string `yaml:"domain" validate:"required"`
	Email  string `yaml:"email" validate:"omitempty,email"`

	Tier         TierConfig        `yaml:"tier"`
	Network      NetworkConfig     `yaml:"chain"`
	EnvFiles     EnvFilesConfig    `yaml:"env_files"`
	Database     DatabaseConfig    `yaml:"database"`
	Cache        CacheConfig       `yaml:"cache"`
	Compose      ComposeConfig     `yaml:"compose"`
	Systemd      SystemdConfig     `yaml:"systemd"`
	Services     map[string]string `yaml:"services,omitempty"`
	Certificates CertConfig        `yaml:"certificates"`
	Backup       BackupConfig      `yaml:"backup"`
	Admin        AdminConfig       `yaml:"admin,omitempty"`
	Extras       ExtrasConfig      `yaml:"extras,omitempty"`
	Metrics      MetricsConfig     `yaml:"metrics,omitempty"`
	Logging      LoggingConfig     `yaml:"logging"`

	// ReadyTimeout bounds every wait on a service. Default: 2m
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`

	target network.Target
	path   string
}

type TierConfig struct {
	// HostPattern overrides the production hostname regex.
	HostPattern string `yaml:"host_pattern,omitempty"`
}

type NetworkConfig struct {
	// Target is mainnet, testnet or devnet. There is no default.
	Target string `yaml:"target" validate:"required"`

	PublicHost         string `yaml:"public_host,omitempty"`
	AutoConfirmRestart bool   `yaml:"auto_confirm_restart"`

	PeerFile       string   `yaml:"peer_file" validate:"required"`
	DataDir        string   `yaml:"data_dir" validate:"required"`
	PeerCachePaths []string `yaml:"peer_cache_paths,omitempty"`

	NodeRPC        string `yaml:"node_rpc" validate:"required,url"`
	ContactKey     string `yaml:"contact_key" validate:"required"`
	RegistryURLKey string `yaml:"registry_url_key,omitempty"`
	RegistryKey    string `yaml:"registry_secret_key,omitempty"`

	// RegistryWait bounds the wait for a peer list. Default: 5s
	RegistryWait time.Duration `yaml:"registry_wait,omitempty"`
}

type EnvFilesConfig struct {
	Root  string `yaml:"root" validate:"required"`
	Web   string `yaml:"web" validate:"required"`
	Chain string `yaml:"chain" validate:"required"`
	Proxy string `yaml:"proxy" validate:"required"`
	Cache string `yaml:"cache,omitempty"`
}

type DatabaseConfig struct {
	Addr      string `yaml:"addr" validate:"required,hostname_port"`
	Name      string `yaml:"name" validate:"required,max=64"`
	User      string `yaml:"user" validate:"required,max=64"`
	AdminUser string `yaml:"admin_user,omitempty"`
}

type CacheConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// SnapshotPath is the cache's dump file as seen from the host.
	SnapshotPath string `yaml:"snapshot_path" validate:"required"`
}

type ComposeConfig struct {
	Project string   `yaml:"project,omitempty"`
	Command []string `yaml:"command,omitempty"`
	Files   []string `yaml:"files,omitempty"`
}

type SystemdConfig struct {
	// WorkDirs sets the working directory for commands per service.
	WorkDirs map[string]string `yaml:"work_dirs,omitempty"`
}

type CertConfig struct {
	Dir             string `yaml:"dir,omitempty"`
	RenewBeforeDays int    `yaml:"renew_before_days,omitempty" validate:"gte=0"`
}

type BackupConfig struct {
	Dir         string        `yaml:"dir" validate:"required"`
	MinFreeGB   int64         `yaml:"min_free_gb,omitempty" validate:"gte=0"`
	ConfigFiles []string      `yaml:"config_files,omitempty"`
	Offsite     OffsiteConfig `yaml:"offsite,omitempty"`
}

type OffsiteConfig struct {
	Bucket  string `yaml:"bucket,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"`
	KeyPath string `yaml:"key_path,omitempty"`
}

type AdminConfig struct {
	Email    string `yaml:"email,omitempty" validate:"omitempty,email"`
	Password string `yaml:"password,omitempty"`
}

type ExtrasConfig struct {
	URL  string `yaml:"url,omitempty" validate:"omitempty,url"`
	Path string `yaml:"path,omitempty"`
}

type MetricsConfig struct {
	// TextfileDir is a node-exporter textfile collector directory.
	TextfileDir string `yaml:"textfile_dir,omitempty"`
}

type LoggingConfig struct {
	Dir   string `yaml:"dir,omitempty"`
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json,omitempty"`
}

// Target returns the network target parsed at load time.
func (c *DeploymentConfig) Target() network.Target {
	return c.target
}

// Path returns the file the config was loaded from.
func (c *DeploymentConfig) Path() string {
	return c.path
}

// RuntimeMode returns Mode as an infra.Mode.
func (c *DeploymentConfig) RuntimeMode() infra.Mode {
	return infra.Mode(c.Mode)
}

// ServiceNames maps logical services to compose services or systemd units.
func (c *DeploymentConfig) ServiceNames() map[infra.Service]string {
	out := make(map[infra.Service]string, len(c.Services))
	for k, v := range c.Services {
		out[infra.Service(k)] = v
	}
	return out
}

// WorkDirs maps logical services to host working directories.
func (c *DeploymentConfig) WorkDirs() map[infra.Service]string {
	out := make(map[infra.Service]string, len(c.Systemd.WorkDirs))
	for k, v := range c.Systemd.WorkDirs {
		out[infra.Service(k)] = v
	}
	return out
}

// DefaultConfig is the starter written on first run.
func DefaultConfig() DeploymentConfig {
	return DeploymentConfig{
		Mode:     string(infra.ModeContainer),
		StackDir: "/opt/trustanchor",
		StateDir: ".anchorops",
		Network: NetworkConfig{
			Target:         "testnet",
			PeerFile:       "chain/static-nodes.json",
			DataDir:        "chain/data",
			NodeRPC:        "http://127.0.0.1:8545",
			ContactKey:     "NODE_CONTACT",
			RegistryURLKey: "STATS_URL",
			RegistryKey:    "STATS_SECRET",
		},
		EnvFiles: EnvFilesConfig{
			Root:  ".env",
			Web:   "web/.env",
			Chain: "chain/.env",
			Proxy: "proxy/.env",
		},
		Database: DatabaseConfig{
			Addr: "127.0.0.1:3306",
			Name: "trustanchor",
			User: "trustanchor",
		},
		Cache: CacheConfig{
			Addr:         "127.0.0.1:6379",
			SnapshotPath: "data/redis/dump.rdb",
		},
		Certificates: CertConfig{
			Dir:             "/etc/letsencrypt/live",
			RenewBeforeDays: 30,
		},
		Backup: BackupConfig{
			Dir:         "backups",
			MinFreeGB:   10,
			ConfigFiles: []string{".env", "web/.env", "chain/.env", "proxy/.env", "docker-compose.yml"},
		},
		Logging: LoggingConfig{
			Dir:   ".anchorops/logs",
			Level: "info",
		},
	}
}
