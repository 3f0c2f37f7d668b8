// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package health implements the connection health supervisor.
//
// A Checker periodically reads the liveness of the watched messaging
// connection, feeds it through the pure decision function, persists the
// resulting state, and drives the bounded recovery procedure (disconnect,
// reconnect, request pairing code, notify the operator) when liveness
// degrades past the configured threshold.
//
// Concurrency model: one logical timeline. The periodic loop and the
// administrative entry points (ForceCheck, ForcePairing, Reset) all share a
// single run mutex, so at most one tick (including any recovery it
// triggers) is ever in flight. Status() reads settled state and performs
// no writes.
package health

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/pairwatch/pairwatch/internal/config"
	"github.com/pairwatch/pairwatch/internal/events"
	"github.com/pairwatch/pairwatch/internal/logging"
	"github.com/pairwatch/pairwatch/internal/metrics"
	"github.com/pairwatch/pairwatch/internal/store"
)

// Persisted keys in the store's flat namespace.
const (
	keyPairingState       = "pairing_state"
	keyLastPairingRequest = "last_pairing_request_time"
	keyFailures           = "consecutive_failures"
)

// initialGraceDelay is the wait before the first scheduled tick, giving the
// watched connection time to initialize after process start.
const initialGraceDelay = 15 * time.Second

// ErrRecoveryInFlight is returned when a recovery cannot start because the
// supervisor is not idle.
var ErrRecoveryInFlight = errors.New("recovery already in flight or in cooldown")

// Connection is the watched messaging connection, specified only at its
// interface boundary. A liveness read error is treated as "not live".
type Connection interface {
	IsReady(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) error
	Connect(ctx context.Context) error
	RequestPairingCode(ctx context.Context, identity string) (string, error)
}

// Notifier delivers the pairing code to the operator. Failure is reported
// as false and never interrupts recovery bookkeeping.
type Notifier interface {
	Notify(ctx context.Context, target, code string, waitWindow time.Duration) bool
}

// Checker is the health check scheduler. Construct with NewChecker; all
// collaborators are injected so instances are independent and testable.
type Checker struct {
	cfg      config.SupervisorConfig
	conn     Connection
	notifier Notifier
	store    store.Store
	bus      *events.Bus

	// runMu serializes ticks and administrative entry points.
	runMu sync.Mutex

	// stateMu guards st for Status() readers against the single writer.
	// hydrated flips once the in-memory state is authoritative (loaded
	// from the store or explicitly settled); it is never re-read after
	// that, even when a persist fails.
	stateMu  sync.RWMutex
	st       State
	hydrated bool

	// lifecycle guards Start/Stop bookkeeping.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Grace periods inside the recovery sequence; overridable in tests.
	teardownGrace time.Duration
	reinitGrace   time.Duration
	initialDelay  time.Duration

	now func() time.Time
}

// NewChecker creates a supervisor over the given connection, notifier,
// store, and signal bus.
func NewChecker(cfg config.SupervisorConfig, conn Connection, notifier Notifier, st store.Store, bus *events.Bus) *Checker {
	return &Checker{
		cfg:           cfg,
		conn:          conn,
		notifier:      notifier,
		store:         st,
		bus:           bus,
		st:            defaultState(),
		teardownGrace: 2 * time.Second,
		reinitGrace:   2 * time.Second,
		initialDelay:  initialGraceDelay,
		now:           time.Now,
	}
}

// Serve implements suture.Service. It hydrates persisted state, waits the
// initial grace delay, then ticks every CheckInterval until ctx is
// canceled. When the supervisor is disabled it asks suture not to restart.
func (c *Checker) Serve(ctx context.Context) error {
	if !c.cfg.Enabled {
		logging.Info().Msg("health checker disabled, not scheduling")
		return suture.ErrDoNotRestart
	}

	c.stateMu.RLock()
	hydrated := c.hydrated
	c.stateMu.RUnlock()
	if !hydrated {
		c.hydrate(ctx)
	}

	logging.Info().
		Dur("check_interval", c.cfg.CheckInterval).
		Int("failure_threshold", c.cfg.FailureThreshold).
		Msg("health checker started")

	timer := time.NewTimer(c.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("health checker stopped")
			return ctx.Err()
		case <-timer.C:
			c.runMu.Lock()
			c.tick(ctx)
			c.runMu.Unlock()
			// Reset after the tick completes so a slow tick (including
			// recovery) skips missed intervals instead of queueing them.
			timer.Reset(c.cfg.CheckInterval)
		}
	}
}

// Start launches the periodic loop in a background goroutine. No-op when
// the supervisor is disabled or already running.
func (c *Checker) Start() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.cfg.Enabled || c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done

	go func() {
		defer close(done)
		_ = c.Serve(ctx)
	}()
}

// Stop cancels future scheduled ticks and waits for in-flight work to
// finish. Idempotent.
func (c *Checker) Stop() {
	c.lifecycle.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ForceCheck runs one tick synchronously and returns the resulting status.
// Blocks until any in-flight tick completes.
func (c *Checker) ForceCheck(ctx context.Context) Status {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.stateMu.RLock()
	hydrated := c.hydrated
	c.stateMu.RUnlock()
	if !hydrated {
		c.hydrate(ctx)
	}
	c.tick(ctx)
	return c.Status()
}

// ForcePairing resets the pairing bookkeeping and immediately executes a
// recovery attempt, bypassing the failure threshold. Used when an operator
// explicitly requests re-pairing. Blocks until any in-flight tick completes.
func (c *Checker) ForcePairing(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.stateMu.Lock()
	c.st.Pairing = PairingIdle
	c.st.LastPairingRequest = time.Time{}
	c.hydrated = true
	st := c.st
	c.stateMu.Unlock()
	c.persist(ctx, st)

	logging.Info().Msg("forced pairing requested by operator")
	return c.recover(ctx)
}

// Reset restores all counters and state to defaults and persists, without
// running recovery.
func (c *Checker) Reset(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.stateMu.Lock()
	c.st = defaultState()
	c.hydrated = true
	st := c.st
	c.stateMu.Unlock()
	c.persist(ctx, st)

	logging.Info().Msg("supervisor state reset")
}

// Status returns a snapshot of the last-settled state. It is a pure
// projection: no writes, no recomputation side effects.
func (c *Checker) Status() Status {
	c.stateMu.RLock()
	st := c.st
	c.stateMu.RUnlock()
	return snapshot(st, c.now(), c.cfg.Cooldown)
}

// tick executes one health check cycle. Callers must hold runMu.
func (c *Checker) tick(ctx context.Context) {
	now := c.now()

	isLive, err := c.conn.IsReady(ctx)
	if err != nil {
		// Liveness-check failure is transient and counted as unhealthy.
		logging.Warn().Err(err).Msg("liveness check failed")
		isLive = false
	}

	c.stateMu.RLock()
	prev := c.st
	c.stateMu.RUnlock()

	next, action := Decide(prev, isLive, now, c.cfg)

	c.stateMu.Lock()
	c.st = next
	c.stateMu.Unlock()
	c.persist(ctx, next)

	metrics.ObserveCheck(isLive, next.ConsecutiveFailures)
	metrics.SetPairingState(string(next.Pairing))

	status := snapshot(next, now, c.cfg.Cooldown)
	c.bus.Publish(events.KindHealthCheck, map[string]any{
		"is_healthy":           status.IsHealthy,
		"consecutive_failures": status.ConsecutiveFailures,
		"pairing_state":        string(status.PairingState),
	})

	if isLive {
		c.bus.Publish(events.KindHealthy, nil)
		logging.Debug().Msg("connection healthy")
	} else {
		c.bus.Publish(events.KindUnhealthy, map[string]any{
			"consecutive_failures": next.ConsecutiveFailures,
		})
		logging.Warn().
			Int("consecutive_failures", next.ConsecutiveFailures).
			Str("pairing_state", string(next.Pairing)).
			Msg("connection unhealthy")
	}

	switch action.Kind {
	case ActionTriggerRecovery:
		if err := c.recover(ctx); err != nil {
			logging.Error().Err(err).Msg("recovery attempt failed")
		}
	case ActionSkip:
		metrics.ObserveSkip(action.Reason)
		c.bus.Publish(events.KindPairingSkipped, map[string]any{"reason": action.Reason})
		logging.Info().Str("reason", action.Reason).Msg("recovery skipped")
	case ActionNone:
	}
}

// hydrate loads persisted state, falling back to defaults on any read
// failure. It never fails startup.
func (c *Checker) hydrate(ctx context.Context) {
	st := defaultState()

	if v, ok, err := c.store.Get(ctx, keyPairingState); err != nil {
		logging.Warn().Err(err).Msg("failed to read persisted pairing state, using defaults")
	} else if ok {
		if ps := PairingState(v); ps.valid() {
			st.Pairing = ps
		} else {
			logging.Warn().Str("value", v).Msg("unknown persisted pairing state, using idle")
		}
	}

	if v, ok, err := c.store.Get(ctx, keyLastPairingRequest); err != nil {
		logging.Warn().Err(err).Msg("failed to read persisted pairing request time")
	} else if ok {
		if t, err := time.Parse(time.RFC3339, v); err != nil {
			logging.Warn().Err(err).Str("value", v).Msg("malformed persisted pairing request time")
		} else {
			st.LastPairingRequest = t
		}
	}

	if v, ok, err := c.store.Get(ctx, keyFailures); err != nil {
		logging.Warn().Err(err).Msg("failed to read persisted failure count")
	} else if ok {
		if n, err := strconv.Atoi(v); err != nil || n < 0 {
			logging.Warn().Str("value", v).Msg("malformed persisted failure count")
		} else {
			st.ConsecutiveFailures = n
		}
	}

	c.stateMu.Lock()
	c.st = st
	c.hydrated = true
	c.stateMu.Unlock()

	logging.Info().
		Str("pairing_state", string(st.Pairing)).
		Int("consecutive_failures", st.ConsecutiveFailures).
		Msg("supervisor state hydrated")
}

// persist writes the durable fields of st. Write failures are logged and do
// not roll back the in-memory state: memory stays authoritative until the
// next successful persist.
func (c *Checker) persist(ctx context.Context, st State) {
	if err := c.store.Set(ctx, keyPairingState, string(st.Pairing)); err != nil {
		logging.Warn().Err(err).Msg("failed to persist pairing state")
	}

	if st.LastPairingRequest.IsZero() {
		if err := c.store.Delete(ctx, keyLastPairingRequest); err != nil {
			logging.Warn().Err(err).Msg("failed to clear persisted pairing request time")
		}
	} else if err := c.store.Set(ctx, keyLastPairingRequest, st.LastPairingRequest.UTC().Format(time.RFC3339)); err != nil {
		logging.Warn().Err(err).Msg("failed to persist pairing request time")
	}

	if err := c.store.Set(ctx, keyFailures, strconv.Itoa(st.ConsecutiveFailures)); err != nil {
		logging.Warn().Err(err).Msg("failed to persist failure count")
	}
}
