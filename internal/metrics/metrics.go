// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package metrics provides Prometheus instrumentation for the realtime core:
// change-feed event throughput, reconnect behavior, notification volume,
// session guard actions, historical query latency, and the dashboard hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Change-feed metrics
	FeedEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backdesk_feed_events_total",
			Help: "Total change-feed events processed, by event type",
		},
		[]string{"type"}, // INSERT, UPDATE, DELETE
	)

	FeedEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backdesk_feed_events_dropped_total",
			Help: "Change-feed events dropped due to malformed payloads or handler panics",
		},
	)

	ConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backdesk_feed_connection_status",
			Help: "Current connection status (0=disconnected, 1=connecting, 2=connected, 3=error)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backdesk_feed_reconnect_attempts_total",
			Help: "Automatic reconnect attempts made by the message manager",
		},
	)

	ReconnectExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backdesk_feed_reconnect_exhausted_total",
			Help: "Times the retry budget was exhausted and the feed went terminal",
		},
	)

	// Notification metrics
	NotificationsSurfaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backdesk_notifications_surfaced_total",
			Help: "Claim-channel notifications surfaced to staff",
		},
	)

	NotificationsUnread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backdesk_notifications_unread",
			Help: "Current unread notification counter",
		},
	)

	// Session guard metrics
	ForcedSignOuts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backdesk_forced_sign_outs_total",
			Help: "Forced sign-outs by the session guard, by reason",
		},
		[]string{"reason"}, // inactivity, session_age, refresh_failed
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backdesk_token_refreshes_total",
			Help: "Proactive token refreshes, by outcome",
		},
		[]string{"outcome"}, // ok, error
	)

	// Historical query metrics
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backdesk_query_duration_seconds",
			Help:    "Duration of historical queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backdesk_query_errors_total",
			Help: "Historical query errors, by operation",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backdesk_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Dashboard hub metrics
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backdesk_hub_clients",
			Help: "Connected dashboard websocket clients",
		},
	)

	HubMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backdesk_hub_messages_dropped_total",
			Help: "Hub broadcasts dropped because the channel was full",
		},
	)
)

// StatusValue maps a connection status string to its gauge value.
func StatusValue(status string) float64 {
	switch status {
	case "disconnected":
		return 0
	case "connecting":
		return 1
	case "connected":
		return 2
	case "error":
		return 3
	default:
		return 0
	}
}
