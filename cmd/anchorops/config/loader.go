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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/network"
)

// EnvConfigPath overrides the config location.
const EnvConfigPath = "ANCHOROPS_CONFIG"

// DefaultPath is used when neither a flag nor ANCHOROPS_CONFIG is set.
const DefaultPath = "/etc/anchorops/anchorops.yaml"

var (
	// ErrCreatedDefault is returned on first run after a starter config has
	// been written. The operator edits it and re-runs.
	ErrCreatedDefault = errors.New("starter config created")

	// ErrInvalidConfig wraps validation failures.
	ErrInvalidConfig = errors.New("invalid config")
)

var validate = validator.New()

// ResolvePath picks the config path: flag, then ANCHOROPS_CONFIG, then
// DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, defaults and validates the config at path.
//
// # Description
//
// A missing file is replaced by DefaultConfig and ErrCreatedDefault is
// returned so nothing runs against placeholder values. Relative paths
// resolve against stack_dir. The network target is parsed here, once.
//
// # Outputs
//
//   - *DeploymentConfig: Ready to use
//   - error: ErrCreatedDefault, read/parse errors, ErrInvalidConfig or
//     *network.InvalidTargetError
func Load(path string) (*DeploymentConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w at %s: set domain and chain.target, then re-run", ErrCreatedDefault, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse builds a DeploymentConfig from YAML.
func Parse(data []byte) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	if err := cfg.checkServices(); err != nil {
		return nil, err
	}
	target, err := network.ParseTarget(cfg.Network.Target)
	if err != nil {
		return nil, err
	}
	cfg.target = target
	return &cfg, nil
}

func (c *DeploymentConfig) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = ".anchorops"
	}
	if c.Database.AdminUser == "" {
		c.Database.AdminUser = "root"
	}
	if c.Backup.MinFreeGB == 0 {
		c.Backup.MinFreeGB = 10
	}
	if c.Certificates.Dir == "" {
		c.Certificates.Dir = "/etc/letsencrypt/live"
	}
	if c.Certificates.RenewBeforeDays == 0 {
		c.Certificates.RenewBeforeDays = 30
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Minute
	}
	if c.Network.RegistryWait <= 0 {
		c.Network.RegistryWait = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *DeploymentConfig) resolvePaths() {
	for _, p := range []*string{
		&c.StateDir,
		&c.Network.PeerFile,
		&c.Network.DataDir,
		&c.EnvFiles.Root,
		&c.EnvFiles.Web,
		&c.EnvFiles.Chain,
		&c.EnvFiles.Proxy,
		&c.EnvFiles.Cache,
		&c.Cache.SnapshotPath,
		&c.Backup.Dir,
		&c.Backup.Offsite.KeyPath,
		&c.Extras.Path,
		&c.Metrics.TextfileDir,
		&c.Logging.Dir,
	} {
		*p = c.resolve(*p)
	}
	for i, f := range c.Backup.ConfigFiles {
		c.Backup.ConfigFiles[i] = c.resolve(f)
	}
	for k, v := range c.Systemd.WorkDirs {
		c.Systemd.WorkDirs[k] = c.resolve(v)
	}
}

func (c *DeploymentConfig) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") || c.StackDir == "" {
		return p
	}
	return filepath.Join(c.StackDir, p)
}

func (c *DeploymentConfig) checkServices() error {
	known := map[string]bool{}
	for _, s := range infra.AllServices {
		known[string(s)] = true
	}
	for _, m := range []map[string]string{c.Services, c.Systemd.WorkDirs} {
		for k := range m {
			if !known[k] {
				return fmt.Errorf("%w: unknown service %q", ErrInvalidConfig, k)
			}
		}
	}
	return nil
}

// describe renders validator errors with yaml-ish field paths.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "DeploymentConfig.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	// O_EXCL so a concurrent first run never clobbers an edited file.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
