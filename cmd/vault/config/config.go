// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the vault CLI configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianVault/services/restore/client"
)

var validate = validator.New()

// Config is the top-level vault configuration.
type Config struct {
	// Remote is the workspace API endpoint and credentials.
	Remote RemoteConfig `yaml:"remote" validate:"required"`

	// Resilience tunes the rate limiter, retry policy, and circuit
	// breaker. Zero values take the built-in defaults.
	Resilience ResilienceConfig `yaml:"resilience"`

	// Restore tunes the restoration engine.
	Restore RestoreConfig `yaml:"restore"`

	// Archive controls where backups are stored.
	Archive ArchiveConfig `yaml:"archive"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// RemoteConfig points at the workspace API.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// TokenEnv names the environment variable holding the API token.
	// The token itself never lives in the config file.
	TokenEnv string `yaml:"token_env" validate:"required"`
}

// Token reads the API token from the configured environment variable.
func (r RemoteConfig) Token() (string, error) {
	token := os.Getenv(r.TokenEnv)
	if token == "" {
		return "", fmt.Errorf("environment variable %s is empty; export the API token there", r.TokenEnv)
	}
	return token, nil
}

// ResilienceConfig mirrors the resilient client's tunables. Durations
// are whole seconds to keep the YAML plain.
type ResilienceConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	MaxRetries        int     `yaml:"max_retries" validate:"gte=0,lte=20"`
	BaseDelaySeconds  int     `yaml:"base_delay_seconds" validate:"gte=0"`
	MaxDelaySeconds   int     `yaml:"max_delay_seconds" validate:"gte=0"`
	FailureThreshold  int     `yaml:"failure_threshold" validate:"gte=0"`
	CooldownSeconds   int     `yaml:"cooldown_seconds" validate:"gte=0"`
}

// ClientConfig translates the YAML tunables into a client Config,
// filling defaults for anything left at zero.
func (r ResilienceConfig) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	if r.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = r.RequestsPerSecond
	}
	if r.Burst > 0 {
		cfg.Burst = r.Burst
	}
	if r.MaxRetries > 0 {
		cfg.MaxRetries = r.MaxRetries
	}
	if r.BaseDelaySeconds > 0 {
		cfg.BaseDelay = time.Duration(r.BaseDelaySeconds) * time.Second
	}
	if r.MaxDelaySeconds > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelaySeconds) * time.Second
	}
	if r.FailureThreshold > 0 {
		cfg.FailureThreshold = r.FailureThreshold
	}
	if r.CooldownSeconds > 0 {
		cfg.Cooldown = time.Duration(r.CooldownSeconds) * time.Second
	}
	return cfg
}

// RestoreConfig tunes the engine.
type RestoreConfig struct {
	Workers    int    `yaml:"workers" validate:"gte=0,lte=64"`
	JournalDir string `yaml:"journal_dir"`
}

// ArchiveConfig controls local and off-site archive storage.
type ArchiveConfig struct {
	// Dir is the local directory archives are written under.
	Dir string `yaml:"dir"`

	// GCSBucket, when set, enables push/pull to Cloud Storage.
	GCSBucket string `yaml:"gcs_bucket"`

	// GCSCredentials is a service-account key path. Empty uses
	// application default credentials.
	GCSCredentials string `yaml:"gcs_credentials"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			TokenEnv: "VAULT_API_TOKEN",
		},
		Restore: RestoreConfig{
			Workers:    4,
			JournalDir: "~/.vault/journal",
		},
		Archive: ArchiveConfig{
			Dir: "~/.vault/archives",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.vault/logs",
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".vault", "vault.yaml"), nil
}

// Load reads, parses, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
