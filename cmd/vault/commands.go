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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianVault/cmd/vault/config"
	"github.com/AleutianAI/AleutianVault/pkg/logging"
	"github.com/AleutianAI/AleutianVault/services/remote"
	"github.com/AleutianAI/AleutianVault/services/restore/client"
)

// --- Global Command Variables ---
var (
	configPath string
	verbose    bool
	jsonLogs   bool
	quiet      bool

	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "vault",
		Short: "Back up and restore workspace data through a rate-limited remote API",
		Long: `Vault snapshots workspace containers, properties, and records into
checksummed archives, and restores them in dependency order with
retries, rate limiting, and circuit breaking on every remote call.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = loadConfig()
			if err != nil {
				return err
			}

			level := logging.ParseLevel(cfg.Logging.Level)
			if verbose {
				level = logging.LevelDebug
			}
			logger = logging.New(logging.Config{
				Level:   level,
				LogDir:  cfg.Logging.Dir,
				Service: "vault",
				JSON:    jsonLogs || cfg.Logging.JSON,
				Quiet:   quiet,
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Close()
			}
		},
	}
)

// loadConfig reads the configured file, falling back to built-in
// defaults when no file exists and no explicit path was given.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// buildClient wires the HTTP boundary into the resilient client.
func buildClient() (*client.Client, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured; set it in the config file")
	}
	token, err := cfg.Remote.Token()
	if err != nil {
		return nil, err
	}
	api, err := remote.NewHTTPClient(cfg.Remote.BaseURL, token)
	if err != nil {
		return nil, err
	}
	return client.New(api, cfg.Resilience.ClientConfig(), client.WithLogger(logger.Slog()))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.vault/vault.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit stderr logs as JSON")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress stderr logging")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archivePushCmd)
	archiveCmd.AddCommand(archivePullCmd)
	archiveCmd.AddCommand(archiveListCmd)
}
