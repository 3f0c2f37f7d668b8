// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package health

import (
	"testing"
	"time"

	"github.com/pairwatch/pairwatch/internal/config"
)

var decideCfg = config.SupervisorConfig{
	Enabled:          true,
	CheckInterval:    5 * time.Minute,
	FailureThreshold: 2,
	Cooldown:         4 * time.Hour,
	MaxPairingWait:   8 * time.Hour,
}

func TestDecideTransitions(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		state       State
		isLive      bool
		wantPairing PairingState
		wantFails   int
		wantAction  ActionKind
		wantReason  string
		wantLPRZero bool
	}{
		{
			name:        "idle healthy stays idle and resets failures",
			state:       State{Pairing: PairingIdle, ConsecutiveFailures: 1},
			isLive:      true,
			wantPairing: PairingIdle,
			wantFails:   0,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
		{
			name:        "idle unhealthy below threshold increments failures",
			state:       State{Pairing: PairingIdle, ConsecutiveFailures: 0},
			isLive:      false,
			wantPairing: PairingIdle,
			wantFails:   1,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
		{
			name:        "idle unhealthy at threshold triggers recovery",
			state:       State{Pairing: PairingIdle, ConsecutiveFailures: 1},
			isLive:      false,
			wantPairing: PairingIdle,
			wantFails:   2,
			wantAction:  ActionTriggerRecovery,
			wantLPRZero: true,
		},
		{
			name:        "pairing_requested healthy resets to idle",
			state:       State{Pairing: PairingRequested, ConsecutiveFailures: 2, LastPairingRequest: now.Add(-time.Hour)},
			isLive:      true,
			wantPairing: PairingIdle,
			wantFails:   0,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
		{
			name:        "pairing_requested within wait window skips",
			state:       State{Pairing: PairingRequested, ConsecutiveFailures: 2, LastPairingRequest: now.Add(-time.Hour)},
			isLive:      false,
			wantPairing: PairingRequested,
			wantFails:   2,
			wantAction:  ActionSkip,
			wantReason:  ReasonWaitingForUser,
		},
		{
			name:        "pairing_requested past wait window times out to idle",
			state:       State{Pairing: PairingRequested, ConsecutiveFailures: 2, LastPairingRequest: now.Add(-9 * time.Hour)},
			isLive:      false,
			wantPairing: PairingIdle,
			wantFails:   2,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
		{
			name:        "pairing_requested with missing request time times out",
			state:       State{Pairing: PairingRequested, ConsecutiveFailures: 2},
			isLive:      false,
			wantPairing: PairingIdle,
			wantFails:   2,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
		{
			name:        "cooldown healthy resets to idle",
			state:       State{Pairing: PairingCooldown, ConsecutiveFailures: 2, LastPairingRequest: now.Add(-time.Minute)},
			isLive:      true,
			wantPairing: PairingIdle,
			wantFails:   0,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
		{
			name:        "cooldown within window skips",
			state:       State{Pairing: PairingCooldown, ConsecutiveFailures: 2, LastPairingRequest: now.Add(-time.Minute)},
			isLive:      false,
			wantPairing: PairingCooldown,
			wantFails:   2,
			wantAction:  ActionSkip,
			wantReason:  ReasonCooldown,
		},
		{
			name:        "cooldown elapsed returns to idle",
			state:       State{Pairing: PairingCooldown, ConsecutiveFailures: 2, LastPairingRequest: now.Add(-5 * time.Hour)},
			isLive:      false,
			wantPairing: PairingIdle,
			wantFails:   2,
			wantAction:  ActionNone,
			wantLPRZero: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, action := Decide(tt.state, tt.isLive, now, decideCfg)

			if next.Pairing != tt.wantPairing {
				t.Errorf("Pairing = %q, want %q", next.Pairing, tt.wantPairing)
			}
			if next.ConsecutiveFailures != tt.wantFails {
				t.Errorf("ConsecutiveFailures = %d, want %d", next.ConsecutiveFailures, tt.wantFails)
			}
			if action.Kind != tt.wantAction {
				t.Errorf("Action.Kind = %v, want %v", action.Kind, tt.wantAction)
			}
			if action.Reason != tt.wantReason {
				t.Errorf("Action.Reason = %q, want %q", action.Reason, tt.wantReason)
			}
			if tt.wantLPRZero && !next.LastPairingRequest.IsZero() {
				t.Errorf("LastPairingRequest = %v, want zero", next.LastPairingRequest)
			}
			if next.LastCheck != now {
				t.Errorf("LastCheck = %v, want %v", next.LastCheck, now)
			}
		})
	}
}

// Liveness always wins: from any state, a healthy reading resets everything.
func TestDecideLivenessWins(t *testing.T) {
	now := time.Now()
	states := []State{
		{Pairing: PairingIdle, ConsecutiveFailures: 5},
		{Pairing: PairingRequested, ConsecutiveFailures: 3, LastPairingRequest: now.Add(-time.Minute)},
		{Pairing: PairingCooldown, ConsecutiveFailures: 9, LastPairingRequest: now.Add(-time.Second)},
	}

	for _, st := range states {
		next, action := Decide(st, true, now, decideCfg)
		if next.Pairing != PairingIdle {
			t.Errorf("from %q: Pairing = %q, want idle", st.Pairing, next.Pairing)
		}
		if next.ConsecutiveFailures != 0 {
			t.Errorf("from %q: failures = %d, want 0", st.Pairing, next.ConsecutiveFailures)
		}
		if action.Kind != ActionNone {
			t.Errorf("from %q: action = %v, want none", st.Pairing, action.Kind)
		}
		if next.LastHealthy != now {
			t.Errorf("from %q: LastHealthy not stamped", st.Pairing)
		}
	}
}

// Threshold property: exactly N consecutive unhealthy readings trigger
// recovery, fewer leave the state idle.
func TestDecideThresholdProperty(t *testing.T) {
	for _, threshold := range []int{1, 2, 3, 5} {
		cfg := decideCfg
		cfg.FailureThreshold = threshold

		st := defaultState()
		now := time.Now()
		triggers := 0

		for i := 0; i < threshold; i++ {
			var action Action
			st, action = Decide(st, false, now, cfg)
			now = now.Add(cfg.CheckInterval)

			if action.Kind == ActionTriggerRecovery {
				triggers++
				if i != threshold-1 {
					t.Errorf("threshold %d: triggered at tick %d", threshold, i+1)
				}
			}
		}

		if triggers != 1 {
			t.Errorf("threshold %d: got %d triggers, want exactly 1", threshold, triggers)
		}
	}
}

// Single-flight property: while waiting for the user, unhealthy ticks never
// increment failures and never trigger again.
func TestDecideSingleFlightProperty(t *testing.T) {
	now := time.Now()
	st := State{Pairing: PairingRequested, ConsecutiveFailures: 2, LastPairingRequest: now}

	for i := 0; i < 10; i++ {
		now = now.Add(decideCfg.CheckInterval)
		var action Action
		st, action = Decide(st, false, now, decideCfg)

		if st.ConsecutiveFailures != 2 {
			t.Fatalf("tick %d: failures = %d, want unchanged 2", i, st.ConsecutiveFailures)
		}
		if action.Kind != ActionSkip || action.Reason != ReasonWaitingForUser {
			t.Fatalf("tick %d: action = %+v, want skip(waiting_for_user)", i, action)
		}
	}
}
