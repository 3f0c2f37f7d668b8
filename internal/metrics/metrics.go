// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package metrics provides Prometheus instrumentation for the supervisor:
// health check outcomes, recovery attempts, skip reasons, and notification
// delivery. Exposed on the admin server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HealthChecksTotal counts liveness checks by result.
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairwatch_health_checks_total",
			Help: "Total number of liveness checks by result",
		},
		[]string{"result"}, // "healthy" or "unhealthy"
	)

	// ConsecutiveFailures tracks the current unhealthy streak.
	ConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairwatch_consecutive_failures",
			Help: "Current number of consecutive unhealthy checks",
		},
	)

	// PairingStateInfo is 1 for the current pairing state, 0 otherwise.
	PairingStateInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pairwatch_pairing_state",
			Help: "Current pairing state (1 for the active state)",
		},
		[]string{"state"}, // "idle", "pairing_requested", "cooldown"
	)

	// RecoveryAttemptsTotal counts recovery orchestrations by outcome.
	RecoveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairwatch_recovery_attempts_total",
			Help: "Total number of recovery attempts by outcome",
		},
		[]string{"outcome"}, // "success" or "failure"
	)

	// RecoverySkipsTotal counts ticks where recovery was wanted but blocked.
	RecoverySkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairwatch_recovery_skips_total",
			Help: "Total number of skipped recovery opportunities by reason",
		},
		[]string{"reason"}, // "waiting_for_user" or "cooldown"
	)

	// NotificationsTotal counts operator notifications by outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairwatch_notifications_total",
			Help: "Total number of operator notifications by outcome",
		},
		[]string{"outcome"}, // "sent" or "failed"
	)
)

// pairingStates enumerates all states so SetPairingState can zero the rest.
var pairingStates = []string{"idle", "pairing_requested", "cooldown"}

// ObserveCheck records one liveness check result and the failure streak.
func ObserveCheck(isLive bool, consecutiveFailures int) {
	result := "unhealthy"
	if isLive {
		result = "healthy"
	}
	HealthChecksTotal.WithLabelValues(result).Inc()
	ConsecutiveFailures.Set(float64(consecutiveFailures))
}

// SetPairingState marks the active pairing state gauge.
func SetPairingState(state string) {
	for _, s := range pairingStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		PairingStateInfo.WithLabelValues(s).Set(v)
	}
}

// ObserveRecovery records a recovery attempt outcome.
func ObserveRecovery(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	RecoveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSkip records a skipped recovery opportunity.
func ObserveSkip(reason string) {
	RecoverySkipsTotal.WithLabelValues(reason).Inc()
}

// ObserveNotification records an operator notification outcome.
func ObserveNotification(sent bool) {
	outcome := "failed"
	if sent {
		outcome = "sent"
	}
	NotificationsTotal.WithLabelValues(outcome).Inc()
}
