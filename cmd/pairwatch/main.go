// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package main is the entry point for the Pairwatch daemon.
//
// Pairwatch supervises a long-lived connection between a messaging
// gateway and its paired device. It periodically checks liveness,
// counts consecutive failures, and once a threshold is crossed drives
// an automated recovery: tear the connection down, bring it back up,
// request a fresh pairing code, and deliver that code to a human
// operator over the messaging channel itself.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: Koanf v2 layered load (defaults, YAML file, env)
//  2. Store: BadgerDB for supervisor state that survives restarts
//  3. Bridge: WebSocket client to the messaging gateway
//  4. Notifier: rate-limited, circuit-broken operator notification
//  5. Supervisor tree: health checker and admin HTTP server under suture
//
// # Configuration
//
// Settings come from environment variables prefixed with PAIRWATCH_
// (double underscore separates nesting, e.g.
// PAIRWATCH_SUPERVISOR__FAILURE_THRESHOLD), an optional YAML file
// pointed at by PAIRWATCH_CONFIG, and built-in defaults.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the checker finishes
// any in-flight tick, the HTTP server drains connections, and Badger
// is closed cleanly.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pairwatch/pairwatch/internal/api"
	"github.com/pairwatch/pairwatch/internal/bridge"
	"github.com/pairwatch/pairwatch/internal/config"
	"github.com/pairwatch/pairwatch/internal/events"
	"github.com/pairwatch/pairwatch/internal/health"
	"github.com/pairwatch/pairwatch/internal/logging"
	"github.com/pairwatch/pairwatch/internal/notify"
	"github.com/pairwatch/pairwatch/internal/store"
	"github.com/pairwatch/pairwatch/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config is not available yet, so the default logger reports this.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("supervisor_enabled", cfg.Supervisor.Enabled).
		Str("bridge_url", cfg.Bridge.URL).
		Str("store_path", cfg.Store.Path).
		Msg("Starting Pairwatch")

	db, err := store.OpenBadger(cfg.Store.Path, cfg.Store.InMemory)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open state store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}()

	gateway := bridge.NewClient(cfg.Bridge.URL, cfg.Bridge.RequestTimeout)
	defer func() {
		if err := gateway.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bridge client")
		}
	}()

	notifier := notify.NewNotifier(gateway)

	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing signal bus")
		}
	}()

	checker := health.NewChecker(cfg.Supervisor, gateway, notifier, store.NewBadgerStore(db), bus)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(checker, cfg.Server).Setup(),
		ReadHeaderTimeout: cfg.Server.Timeout,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddWatchService(checker)
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.Timeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().
		Str("listen_addr", httpServer.Addr).
		Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	// ServeBackground delivers exactly one error (possibly nil) when the
	// tree stops; it never closes the channel, so receive rather than range.
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Pairwatch stopped gracefully")
}
