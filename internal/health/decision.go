// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package health

import (
	"time"

	"github.com/pairwatch/pairwatch/internal/config"
)

// ActionKind classifies what the checker must do after a decision.
type ActionKind int

const (
	// ActionNone requires no follow-up.
	ActionNone ActionKind = iota

	// ActionTriggerRecovery starts the disconnect/reconnect/pair sequence.
	ActionTriggerRecovery

	// ActionSkip means recovery is wanted but blocked; Reason says why.
	ActionSkip
)

// Skip reasons surfaced in pairing_skipped signals.
const (
	ReasonWaitingForUser = "waiting_for_user"
	ReasonCooldown       = "cooldown"
)

// Action is the decision outcome accompanying the next state.
type Action struct {
	Kind   ActionKind
	Reason string
}

// Decide computes the next supervisor state and required action from the
// current state, an observed liveness reading, and the clock. It is a pure
// function: no I/O, no side effects, fully table-testable.
//
// Liveness always wins: a healthy reading resets to idle from any state,
// overriding cooldown and pending-pairing bookkeeping.
func Decide(st State, isLive bool, now time.Time, cfg config.SupervisorConfig) (State, Action) {
	next := st
	next.LastCheck = now
	next.Live = isLive

	if isLive {
		next.Pairing = PairingIdle
		next.ConsecutiveFailures = 0
		next.LastPairingRequest = time.Time{}
		next.LastHealthy = now
		return next, Action{Kind: ActionNone}
	}

	switch st.Pairing {
	case PairingRequested:
		// A pairing request is outstanding; failures are not counted while
		// waiting for the operator.
		if st.LastPairingRequest.IsZero() || now.Sub(st.LastPairingRequest) > cfg.MaxPairingWait {
			// Operator never completed pairing. Return to idle so the next
			// unhealthy tick can retry.
			next.Pairing = PairingIdle
			next.LastPairingRequest = time.Time{}
			return next, Action{Kind: ActionNone}
		}
		return next, Action{Kind: ActionSkip, Reason: ReasonWaitingForUser}

	case PairingCooldown:
		if st.LastPairingRequest.IsZero() || now.Sub(st.LastPairingRequest) > cfg.Cooldown {
			next.Pairing = PairingIdle
			next.LastPairingRequest = time.Time{}
			return next, Action{Kind: ActionNone}
		}
		return next, Action{Kind: ActionSkip, Reason: ReasonCooldown}

	default: // PairingIdle
		next.ConsecutiveFailures = st.ConsecutiveFailures + 1
		if next.ConsecutiveFailures >= cfg.FailureThreshold {
			return next, Action{Kind: ActionTriggerRecovery}
		}
		return next, Action{Kind: ActionNone}
	}
}
