// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pairwatch/config.yaml",
	"/etc/pairwatch/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "PAIRWATCH_CONFIG"

// envPrefix is the prefix for environment variable overrides.
// PAIRWATCH_SUPERVISOR__FAILURE_THRESHOLD maps to supervisor.failure_threshold.
const envPrefix = "PAIRWATCH_"

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			Enabled:          true,
			CheckInterval:    5 * time.Minute,
			FailureThreshold: 2,
			Cooldown:         4 * time.Hour,
			MaxPairingWait:   8 * time.Hour,
			NotifyTarget:     "",
			RecoveryIdentity: "",
		},
		Bridge: BridgeConfig{
			URL:            "ws://127.0.0.1:8477/socket",
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:     "/data/pairwatch",
			InMemory: false,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8478,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"http://localhost:8478"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// PAIRWATCH_SUPERVISOR__CHECK_INTERVAL -> supervisor.check_interval
	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envTransformFunc maps an environment variable name to a koanf path.
// A double underscore separates nesting levels; single underscores are
// preserved inside key names.
func envTransformFunc(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
