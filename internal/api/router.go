// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package api provides the operational HTTP surface: supervisor status,
// manual check/pairing/reset triggers, liveness, and Prometheus metrics.
// It is meant to be bound to localhost or an internal network, not the
// public internet.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairwatch/pairwatch/internal/config"
	"github.com/pairwatch/pairwatch/internal/logging"
)

// Router builds the admin HTTP handler around a supervisor.
type Router struct {
	handler *Handler
	cfg     config.ServerConfig
}

// NewRouter creates a router for the given supervisor and server settings.
func NewRouter(sup Supervisor, cfg config.ServerConfig) *Router {
	return &Router{
		handler: NewHandler(sup),
		cfg:     cfg,
	}
}

// Setup wires all routes and middleware and returns the root handler.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", rt.handler.Liveness)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1/supervisor", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))

		r.Get("/status", rt.handler.Status)
		r.Post("/check", rt.handler.ForceCheck)
		r.Post("/pair", rt.handler.ForcePairing)
		r.Post("/reset", rt.handler.Reset)
	})

	return r
}

// requestLogger logs one line per request through the global zerolog
// logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
