// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package config

import (
	"fmt"
	"strings"
)

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateSupervisor(); err != nil {
		return err
	}

	if err := c.validateBridge(); err != nil {
		return err
	}

	if err := c.validateServer(); err != nil {
		return err
	}

	return c.validateLogging()
}

// validateSupervisor validates supervisor settings (only if enabled).
func (c *Config) validateSupervisor() error {
	s := &c.Supervisor
	if !s.Enabled {
		return nil
	}

	if s.CheckInterval <= 0 {
		return fmt.Errorf("supervisor.check_interval must be positive, got %s", s.CheckInterval)
	}
	if s.FailureThreshold < 1 {
		return fmt.Errorf("supervisor.failure_threshold must be at least 1, got %d", s.FailureThreshold)
	}
	if s.Cooldown <= 0 {
		return fmt.Errorf("supervisor.cooldown must be positive, got %s", s.Cooldown)
	}
	if s.MaxPairingWait <= 0 {
		return fmt.Errorf("supervisor.max_pairing_wait must be positive, got %s", s.MaxPairingWait)
	}
	if s.NotifyTarget == "" {
		return fmt.Errorf("supervisor.notify_target is required when the supervisor is enabled")
	}
	if s.RecoveryIdentity == "" {
		return fmt.Errorf("supervisor.recovery_identity is required when the supervisor is enabled")
	}

	return nil
}

// validateBridge validates the messaging gateway connection settings.
func (c *Config) validateBridge() error {
	if c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required")
	}
	if !strings.HasPrefix(c.Bridge.URL, "ws://") && !strings.HasPrefix(c.Bridge.URL, "wss://") {
		return fmt.Errorf("bridge.url must be a ws:// or wss:// URL, got %q", c.Bridge.URL)
	}
	if c.Bridge.RequestTimeout <= 0 {
		return fmt.Errorf("bridge.request_timeout must be positive, got %s", c.Bridge.RequestTimeout)
	}
	return nil
}

// validateServer validates the admin HTTP server settings.
func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}
	if c.Server.RateLimitReqs < 1 {
		return fmt.Errorf("server.rate_limit_requests must be at least 1, got %d", c.Server.RateLimitReqs)
	}
	if c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("server.rate_limit_window must be positive, got %s", c.Server.RateLimitWindow)
	}
	return nil
}

// validateLogging validates log settings.
func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error, fatal, panic, disabled; got %q", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
