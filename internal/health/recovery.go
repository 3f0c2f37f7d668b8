// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pairwatch/pairwatch/internal/events"
	"github.com/pairwatch/pairwatch/internal/logging"
	"github.com/pairwatch/pairwatch/internal/metrics"
)

// recover executes the recovery orchestration: disconnect, reconnect,
// request a fresh pairing code, notify the operator. It runs inside the
// caller's tick (runMu held), so at most one recovery is ever in flight.
//
// On success the state moves to pairing_requested; on any step failure it
// moves to cooldown. Both outcomes stamp LastPairingRequest and persist.
// Notification failure does not roll back the success transition.
func (c *Checker) recover(ctx context.Context) error {
	c.stateMu.RLock()
	pairing := c.st.Pairing
	c.stateMu.RUnlock()
	if pairing != PairingIdle {
		return ErrRecoveryInFlight
	}

	logging.Info().Str("identity", c.cfg.RecoveryIdentity).Msg("starting connection recovery")

	code, err := c.runRecoverySequence(ctx)
	if err != nil {
		c.settleRecovery(ctx, PairingCooldown)
		metrics.ObserveRecovery(false)
		c.bus.Publish(events.KindError, map[string]any{"error": err.Error()})
		return err
	}

	c.settleRecovery(ctx, PairingRequested)
	metrics.ObserveRecovery(true)
	c.bus.Publish(events.KindPairingRequested, map[string]any{"code": code})
	logging.Info().Str("code", code).Msg("pairing code issued")

	// Best-effort notification: failure is logged, never rolled back.
	if c.notifier.Notify(ctx, c.cfg.NotifyTarget, code, c.cfg.MaxPairingWait) {
		metrics.ObserveNotification(true)
		c.bus.Publish(events.KindNotificationSent, map[string]any{"target": c.cfg.NotifyTarget})
	} else {
		metrics.ObserveNotification(false)
		logging.Error().Str("target", c.cfg.NotifyTarget).Msg("failed to notify operator of pairing code")
	}

	return nil
}

// runRecoverySequence performs the disconnect/reconnect/pair steps with
// grace periods between them. Any step error aborts the sequence.
func (c *Checker) runRecoverySequence(ctx context.Context) (string, error) {
	if err := c.conn.Disconnect(ctx); err != nil {
		return "", fmt.Errorf("disconnect: %w", err)
	}
	if err := sleepCtx(ctx, c.teardownGrace); err != nil {
		return "", err
	}

	if err := c.conn.Connect(ctx); err != nil {
		return "", fmt.Errorf("reconnect: %w", err)
	}
	if err := sleepCtx(ctx, c.reinitGrace); err != nil {
		return "", err
	}

	raw, err := c.conn.RequestPairingCode(ctx, c.cfg.RecoveryIdentity)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}

	return formatPairingCode(raw), nil
}

// settleRecovery records the recovery outcome and persists it.
func (c *Checker) settleRecovery(ctx context.Context, outcome PairingState) {
	now := c.now()

	c.stateMu.Lock()
	c.st.Pairing = outcome
	c.st.LastPairingRequest = now
	st := c.st
	c.stateMu.Unlock()

	c.persist(ctx, st)
	metrics.SetPairingState(string(outcome))
}

// formatPairingCode groups a raw 8-character pairing code into two
// dash-separated halves for readability. Codes that already carry a
// separator or have another length pass through unchanged.
func formatPairingCode(raw string) string {
	code := strings.TrimSpace(raw)
	if len(code) != 8 || strings.ContainsRune(code, '-') {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// sleepCtx waits for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
