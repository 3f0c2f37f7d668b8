// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package health

import "time"

// PairingState tracks where the supervisor is in the recovery lifecycle.
type PairingState string

const (
	// PairingIdle means no recovery is in flight and no cooldown window is
	// active. This is the only state from which a recovery may start.
	PairingIdle PairingState = "idle"

	// PairingRequested means a pairing code has been issued and the
	// supervisor is waiting for a human to complete pairing.
	PairingRequested PairingState = "pairing_requested"

	// PairingCooldown means the last recovery attempt failed and new
	// attempts are blocked until the cooldown window elapses.
	PairingCooldown PairingState = "cooldown"
)

// valid reports whether s is a known pairing state.
func (s PairingState) valid() bool {
	switch s {
	case PairingIdle, PairingRequested, PairingCooldown:
		return true
	}
	return false
}

// State is the supervisor's mutable state. It has a single writer (the
// Checker) and is persisted after every transition. LastCheck, LastHealthy
// and Live are runtime-only and are not persisted.
type State struct {
	Pairing             PairingState
	ConsecutiveFailures int

	// LastPairingRequest is set on entry to pairing_requested or cooldown
	// and cleared when the state returns to idle.
	LastPairingRequest time.Time

	LastCheck   time.Time
	LastHealthy time.Time
	Live        bool
}

// defaultState is the state used on first run or when no persisted state
// can be read.
func defaultState() State {
	return State{Pairing: PairingIdle}
}

// Status is a read-only projection of settled supervisor state. Reading it
// never mutates or persists anything.
type Status struct {
	IsHealthy           bool         `json:"is_healthy"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	PairingState        PairingState `json:"pairing_state"`
	LastCheck           *time.Time   `json:"last_check,omitempty"`
	LastHealthy         *time.Time   `json:"last_healthy,omitempty"`
	LastPairingRequest  *time.Time   `json:"last_pairing_request,omitempty"`
	CooldownRemainingMs int64        `json:"cooldown_remaining_ms"`
}

// snapshot projects a State into a Status at the given time.
func snapshot(st State, now time.Time, cooldown time.Duration) Status {
	status := Status{
		IsHealthy:           st.Live,
		ConsecutiveFailures: st.ConsecutiveFailures,
		PairingState:        st.Pairing,
	}

	if !st.LastCheck.IsZero() {
		t := st.LastCheck
		status.LastCheck = &t
	}
	if !st.LastHealthy.IsZero() {
		t := st.LastHealthy
		status.LastHealthy = &t
	}
	if !st.LastPairingRequest.IsZero() {
		t := st.LastPairingRequest
		status.LastPairingRequest = &t
	}

	if st.Pairing == PairingCooldown && !st.LastPairingRequest.IsZero() {
		remaining := cooldown - now.Sub(st.LastPairingRequest)
		if remaining > 0 {
			status.CooldownRemainingMs = remaining.Milliseconds()
		}
	}

	return status
}
