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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/pkg/ux"
)

// --- Global Command Variables ---
var (
	configPath       string
	personalityLevel string // UX personality level (full/minimal/machine)
	assumeYes        bool
	confirmPhrase    string
	plainPrompts     bool
	verbose          bool

	// install
	installOnly       string
	installFrom       string
	skipPreflight     bool
	overridePreflight bool
	autoRestart       bool

	// backup / restore
	backupOffsite bool
	allowOutside  bool
	cleanDays     int

	logLines int

	rootCmd = &cobra.Command{
		Use:   "anchorops",
		Short: "Install, reconcile and back up a trust-anchor node stack",
		Long: `anchorops provisions and maintains the web, queue, blockchain, database,
cache and proxy services of a trust-anchor node, in container (compose) or
host (systemd) form.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Validation ---
	preflightCmd = &cobra.Command{
		Use:   "preflight",
		Short: "Check daemon, ports, disk, network and other running instances",
		Args:  cobra.NoArgs,
		RunE:  runPreflight, // Defined in cmd_install.go
	}
	tierCmd = &cobra.Command{
		Use:   "tier",
		Short: "Print the detected deployment tier and what decided it",
		Args:  cobra.NoArgs,
		RunE:  runTier, // Defined in cmd_install.go
	}
	domainCmd = &cobra.Command{
		Use:   "domain",
		Short: "Domain checks",
	}
	domainCheckCmd = &cobra.Command{
		Use:   "check [domain]",
		Short: "Report whether a domain can receive a public certificate",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDomainCheck, // Defined in cmd_install.go
	}
	credentialsCmd = &cobra.Command{
		Use:   "credentials",
		Short: "Credential checks",
	}
	credentialsCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate stored database and cache passwords for the current tier",
		Args:  cobra.NoArgs,
		RunE:  runCredentialsCheck, // Defined in cmd_secrets.go
	}

	// --- Installation ---
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Run the installation sequence (safe to re-run)",
		Args:  cobra.NoArgs,
		RunE:  runInstall, // Defined in cmd_install.go
	}

	// --- Secrets ---
	secretsCmd = &cobra.Command{
		Use:   "secrets",
		Short: "Manage the webhook secret shared by the chain and web services",
	}
	secretsSyncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Make the chain and web env files hold the same webhook secret",
		Args:  cobra.NoArgs,
		RunE:  runSecretsSync, // Defined in cmd_secrets.go
	}
	secretsRegenerateCmd = &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the webhook secret everywhere and restart its consumers",
		Args:  cobra.NoArgs,
		RunE:  runSecretsRegenerate, // Defined in cmd_secrets.go
	}

	// --- Network ---
	peersCmd = &cobra.Command{
		Use:   "peers",
		Short: "Reconcile the peer list and registry contact",
	}
	peersRefreshCmd = &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the registry peer list, persist it and restart the node",
		Args:  cobra.NoArgs,
		RunE:  runPeersRefresh, // Defined in cmd_network.go
	}
	peersIdentityCmd = &cobra.Command{
		Use:   "identity",
		Short: "Write the node's own enode into the registry contact setting",
		Args:  cobra.NoArgs,
		RunE:  runPeersIdentity, // Defined in cmd_network.go
	}

	// --- Backup / Restore ---
	backupCmd = &cobra.Command{
		Use:       "backup [database|cache|config]",
		Short:     "Back up one component, or all of them when none is named",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"database", "cache", "config"},
		RunE:      runBackup, // Defined in cmd_backup.go
	}
	restoreCmd = &cobra.Command{
		Use:       "restore database|cache <artifact>",
		Short:     "Restore the database or cache from an artifact",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"database", "cache"},
		RunE:      runRestore, // Defined in cmd_backup.go
	}
	backupsCmd = &cobra.Command{
		Use:   "backups",
		Short: "Inspect and prune the backup directory",
	}
	backupsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List artifacts with size and age",
		Args:  cobra.NoArgs,
		RunE:  runBackupsList, // Defined in cmd_backup.go
	}
	backupsCleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Delete artifacts older than --days after typed confirmation",
		Args:  cobra.NoArgs,
		RunE:  runBackupsClean, // Defined in cmd_backup.go
	}

	// --- Utilities ---
	logCmd = &cobra.Command{
		Use:   "log",
		Short: "Print the most recent operation log entries",
		Args:  cobra.NoArgs,
		RunE:  runLog, // Defined in cmd_utils.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $ANCHOROPS_CONFIG or /etc/anchorops/anchorops.yaml)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"output style: full, minimal or machine (default from ANCHOROPS_OUTPUT or terminal)")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false,
		"answer yes to confirmation questions (typed phrases still need --confirm)")
	rootCmd.PersistentFlags().StringVar(&confirmPhrase, "confirm", "",
		"answer a typed-phrase confirmation non-interactively, e.g. RESTORE or DELETE")
	rootCmd.PersistentFlags().BoolVar(&plainPrompts, "plain", false,
		"use line-based prompts instead of forms")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	installCmd.Flags().StringVar(&installOnly, "only", "", "run only the named step")
	installCmd.Flags().StringVar(&installFrom, "from", "", "run from the named step to the end")
	installCmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "do not run preflight checks")
	installCmd.Flags().BoolVar(&overridePreflight, "override-preflight", false,
		"continue past failed preflight checks without asking")
	installCmd.MarkFlagsMutuallyExclusive("only", "from")
	installCmd.MarkFlagsMutuallyExclusive("skip-preflight", "override-preflight")

	for _, c := range []*cobra.Command{installCmd, peersRefreshCmd} {
		c.Flags().BoolVar(&autoRestart, "auto-restart", false,
			"restart the node after a peer refresh without asking")
	}

	backupCmd.Flags().BoolVar(&backupOffsite, "offsite", false, "upload verified artifacts to the configured bucket")
	restoreCmd.Flags().BoolVar(&allowOutside, "allow-outside", false,
		"accept an artifact outside the backup directory")
	backupsCleanCmd.Flags().IntVar(&cleanDays, "days", 30, "delete artifacts older than this many days")
	logCmd.Flags().IntVarP(&logLines, "lines", "n", 20, "number of entries")

	domainCmd.AddCommand(domainCheckCmd)
	credentialsCmd.AddCommand(credentialsCheckCmd)
	secretsCmd.AddCommand(secretsSyncCmd, secretsRegenerateCmd)
	peersCmd.AddCommand(peersRefreshCmd, peersIdentityCmd)
	backupsCmd.AddCommand(backupsListCmd, backupsCleanCmd)

	rootCmd.AddCommand(
		preflightCmd,
		tierCmd,
		domainCmd,
		credentialsCmd,
		installCmd,
		secretsCmd,
		peersCmd,
		backupCmd,
		restoreCmd,
		backupsCmd,
		logCmd,
	)
}
