// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pairwatch/pairwatch/internal/health"
	"github.com/pairwatch/pairwatch/internal/logging"
)

// Supervisor is the slice of the health checker the API needs.
type Supervisor interface {
	Status() health.Status
	ForceCheck(ctx context.Context) health.Status
	ForcePairing(ctx context.Context) error
	Reset(ctx context.Context)
}

// Handler serves the supervisor endpoints.
type Handler struct {
	sup Supervisor
}

// NewHandler creates a handler around sup.
func NewHandler(sup Supervisor) *Handler {
	return &Handler{sup: sup}
}

// Liveness reports process liveness for container orchestration.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status returns the supervisor's settled status snapshot.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sup.Status())
}

// ForceCheck runs one health check synchronously and returns the result.
func (h *Handler) ForceCheck(w http.ResponseWriter, r *http.Request) {
	status := h.sup.ForceCheck(r.Context())
	writeJSON(w, http.StatusOK, status)
}

// ForcePairing triggers an immediate recovery attempt, bypassing the
// failure threshold. Returns 202 with the resulting status; a recovery
// failure is reported in-band, not as an HTTP error, since the supervisor
// has already settled into cooldown.
func (h *Handler) ForcePairing(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.ForcePairing(r.Context()); err != nil {
		logging.Error().Err(err).Msg("forced pairing failed")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": h.sup.Status(),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": h.sup.Status()})
}

// Reset restores the supervisor state to defaults.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	h.sup.Reset(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}
