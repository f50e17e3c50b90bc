// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the HTTP surface knobs.
type RouterConfig struct {
	// AllowedOrigins feeds both CORS and websocket origin checks. Empty
	// allows any origin.
	AllowedOrigins []string
	// RateLimit is the per-IP request budget per minute. Zero disables
	// rate limiting.
	RateLimit int
	// Timeout bounds request handling. The websocket endpoint is exempt.
	Timeout time.Duration
	// OnActivity fires once per dashboard API request. Wired to the
	// inactivity guard's Touch.
	OnActivity func()
}

// NewRouter builds the chi router for the read-only API surface.
func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestLogger())

	corsOrigins := cfg.AllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	rateLimit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimit > 0 {
		rateLimit = httprate.LimitByIP(cfg.RateLimit, time.Minute)
	}

	r.Get("/healthz", handler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit)
		if cfg.Timeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.Timeout))
		}
		if cfg.OnActivity != nil {
			r.Use(activityMiddleware(cfg.OnActivity))
		}

		r.Get("/status", handler.Status)
		r.Post("/feed/reconnect", handler.Reconnect)
		r.Get("/channels/previews", handler.ChannelPreviews)
		r.Get("/channels/{id}/messages", handler.ChannelMessages)
		r.Get("/notifications", handler.Notifications)
		r.Post("/notifications/read", handler.NotificationsRead)
	})

	// The websocket endpoint skips the timeout middleware; its connection
	// is long-lived.
	r.Group(func(r chi.Router) {
		r.Use(rateLimit)
		r.Get("/ws", handler.WebSocket)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// activityMiddleware reports each request as user activity.
func activityMiddleware(onActivity func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			onActivity()
			next.ServeHTTP(w, r)
		})
	}
}
