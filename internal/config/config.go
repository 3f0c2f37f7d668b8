// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package config provides layered configuration for Pairwatch.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: Built-in sensible defaults for all settings
//  2. Config File: Optional YAML config file for persistent settings
//  3. Environment Variables: Override any setting (PAIRWATCH_ prefix)
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Bridge     BridgeConfig     `koanf:"bridge"`
	Store      StoreConfig      `koanf:"store"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// SupervisorConfig controls the connection health supervisor.
// All fields are fixed at construction; the checker never mutates them.
type SupervisorConfig struct {
	// Enabled turns the periodic health checker on or off.
	Enabled bool `koanf:"enabled"`

	// CheckInterval is the spacing between liveness checks.
	CheckInterval time.Duration `koanf:"check_interval"`

	// FailureThreshold is the number of consecutive unhealthy checks
	// required before a recovery attempt is triggered.
	FailureThreshold int `koanf:"failure_threshold"`

	// Cooldown is the minimum spacing between recovery attempts after
	// a failed attempt.
	Cooldown time.Duration `koanf:"cooldown"`

	// MaxPairingWait is how long the supervisor waits for a human to
	// complete pairing before giving up and allowing a retry.
	MaxPairingWait time.Duration `koanf:"max_pairing_wait"`

	// NotifyTarget is the operator chat address that receives pairing codes.
	NotifyTarget string `koanf:"notify_target"`

	// RecoveryIdentity is the phone/identity used when requesting a new
	// pairing code from the messaging gateway.
	RecoveryIdentity string `koanf:"recovery_identity"`
}

// BridgeConfig configures the WebSocket client to the messaging gateway.
type BridgeConfig struct {
	URL            string        `koanf:"url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// StoreConfig configures the Badger-backed persistence gateway.
type StoreConfig struct {
	// Path is the Badger data directory. Ignored when InMemory is true.
	Path string `koanf:"path"`

	// InMemory runs Badger without disk persistence. Supervisor state then
	// does not survive restarts; intended for tests and ephemeral setups.
	InMemory bool `koanf:"in_memory"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_requests"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}
