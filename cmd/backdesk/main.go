// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package main is the entry point for the Backdesk realtime core.
//
// Backdesk keeps a services-marketplace admin dashboard live against the
// hosted Postgres change feed. The process initializes components in this
// order:
//
//  1. Configuration: env vars over config file over defaults (Koanf v2)
//  2. Persisted state: BadgerDB store for session guard stamps
//  3. Message store and change-feed manager (websocket subscription)
//  4. Query and auth clients against the hosted provider
//  5. Notification feed, websocket hub, and the bridges between them
//  6. Session guards: inactivity timer and session-age timer
//  7. HTTP surface: read-only REST API, /ws, /metrics
//
// All long-running components run under a three-layer suture supervisor
// (session, messaging, api) and restart independently on failure.
//
// # Configuration
//
// Settings load via Koanf with layered precedence (highest wins):
//   - Environment variables with the BACKDESK_ prefix
//   - Config file (config.yaml)
//   - Built-in defaults
//
// A deployment minimally sets:
//   - BACKDESK_REALTIME_URL, BACKDESK_REALTIME_API_KEY: the change feed
//   - BACKDESK_QUERY_BASE_URL, BACKDESK_QUERY_API_KEY: historical reads
//   - BACKDESK_AUTH_BASE_URL, BACKDESK_AUTH_REFRESH_TOKEN: the session
//
// Components whose endpoints are not configured are skipped with a warning;
// the HTTP surface always starts.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the supervisor tree drains,
// the HTTP server finishes in-flight requests (10s budget), websocket
// clients receive close frames, and the persisted store is closed last.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/backdesk/backdesk/internal/api"
	"github.com/backdesk/backdesk/internal/auth"
	"github.com/backdesk/backdesk/internal/config"
	"github.com/backdesk/backdesk/internal/hub"
	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/manager"
	"github.com/backdesk/backdesk/internal/persist"
	"github.com/backdesk/backdesk/internal/projection"
	"github.com/backdesk/backdesk/internal/query"
	"github.com/backdesk/backdesk/internal/realtime"
	"github.com/backdesk/backdesk/internal/session"
	"github.com/backdesk/backdesk/internal/store"
	"github.com/backdesk/backdesk/internal/supervisor"
	"github.com/backdesk/backdesk/internal/supervisor/services"
)

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.ApplyPreset(); err != nil {
		logging.Fatal().Err(err).Msg("Invalid session preset")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Bool("feed_configured", cfg.Realtime.URL != "").
		Bool("auth_configured", cfg.Auth.BaseURL != "").
		Msg("Starting Backdesk realtime core")

	kv, err := persist.Open(cfg.Persist.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Persist.Path).Msg("Failed to open persisted state")
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing persisted state")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Message store and websocket hub exist regardless of feed config so the
	// HTTP surface always has something to serve.
	st := store.New()
	wsHub := hub.NewHub()
	tree.AddMessagingService(wsHub)

	// Historical query stack: plain client, breaker when enabled, audit
	// trail outermost.
	var querier query.Querier
	if cfg.Query.BaseURL != "" {
		querier = query.NewClient(cfg.Query.BaseURL, cfg.Query.APIKey, cfg.Query.Timeout)
		if cfg.Query.BreakerEnabled {
			querier = query.NewBreakerClient(querier)
		}
		querier = query.NewAuditClient(querier)
	} else {
		logging.Warn().Msg("Query endpoint not configured, history backfill disabled")
	}

	view := projection.NewView(st, querier)

	// Change feed: provider client plus the reconnecting manager.
	var feedManager *manager.Manager
	if cfg.Realtime.URL != "" {
		provider := realtime.NewClient(realtime.Options{
			URL:               cfg.Realtime.URL,
			APIKey:            cfg.Realtime.APIKey,
			HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		})
		feedManager = manager.New(provider, st, manager.Config{
			SubscriptionName: cfg.Realtime.SubscriptionName,
			Table:            cfg.Realtime.Table,
			RetryBaseDelay:   cfg.Realtime.RetryBaseDelay,
			MaxRetries:       cfg.Realtime.MaxRetries,
		})
		tree.AddMessagingService(feedManager)
	} else {
		logging.Warn().Msg("Realtime feed not configured, running without live updates")
	}

	// Notification feed publishes alerts to an in-process topic; the bridge
	// re-broadcasts them to websocket clients.
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	notifier := projection.NewNotifier(st, querier, pubSub, projection.NotifierConfig{
		StaffSenderID: cfg.Auth.StaffSenderID,
		HistoryLimit:  cfg.Notifications.HistoryLimit,
		ClaimCacheTTL: cfg.Notifications.ClaimCacheTTL,
	})
	tree.AddMessagingService(notifier)
	tree.AddMessagingService(hub.NewAlertBridge(wsHub, pubSub, notifier))
	tree.AddMessagingService(hub.NewStoreWatcher(wsHub, st, view))

	wsHub.OnMarkRead(func() {
		notifier.ResetUnread()
		wsHub.BroadcastUnread(0)
	})

	// Session guards force dashboard clients back to login over the hub.
	var inactivity *session.InactivityTimer
	if cfg.Auth.BaseURL != "" {
		authClient := auth.NewClient(cfg.Auth.BaseURL, cfg.Auth.APIKey, cfg.Auth.RefreshToken, cfg.Auth.Timeout)
		redirect := func() {
			wsHub.BroadcastJSON(hub.MessageTypeSignOut, map[string]string{"reason": "session_expired"})
		}
		inactivity = session.NewInactivityTimer(kv, authClient, redirect,
			cfg.Session.InactivityTimeout, cfg.Session.InactivityCheckInterval)
		sessionTimer := session.NewSessionTimer(kv, authClient, redirect,
			cfg.Session.MaxSessionAge, cfg.Session.SessionCheckInterval, cfg.Session.RefreshWindow)
		tree.AddSessionService(inactivity)
		tree.AddSessionService(sessionTimer)
	} else {
		logging.Warn().Msg("Auth endpoint not configured, session guards disabled")
	}

	handler := api.NewHandler(st, view, notifier, feedManager, wsHub, cfg.Server.AllowedOrigins)
	routerCfg := api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		Timeout:        cfg.Server.Timeout,
	}
	if inactivity != nil {
		routerCfg.OnActivity = inactivity.Touch
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(handler, routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor closes the channel.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Backdesk stopped gracefully")
}
