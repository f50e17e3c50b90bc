// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package realtime implements the change-feed subscription boundary: a
// websocket client for the hosted database's realtime layer, plus the
// provider-neutral contract the manager consumes.
//
// The reconnection policy deliberately does NOT live here. A subscription
// reports terminal conditions (CHANNEL_ERROR, TIMED_OUT, CLOSED) through its
// status callback and then stops; the manager owns retry state and opens a
// fresh subscription when it decides to.
package realtime

import (
	"time"

	"github.com/backdesk/backdesk/internal/models"
)

// EventType classifies a change-feed row event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one row change observed on the subscribed table.
//
// Insert and update events carry the new row in Message. Delete events carry
// only the old row's keys (OldID, OldChannelID); the provider does not
// replay the full deleted row.
type Event struct {
	Type         EventType
	Message      models.Message
	OldID        int64
	OldChannelID int64
}

// Status values reported by a subscription, mirroring the provider's wire
// statuses.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

// EventHandler receives row events. Handlers run on the subscription's read
// goroutine; they must not block for long.
type EventHandler func(Event)

// StatusHandler receives subscription status transitions. The error is
// non-nil for CHANNEL_ERROR and TIMED_OUT.
type StatusHandler func(Status, error)

// Subscription is a live change-feed subscription handle.
type Subscription interface {
	// OnStatus registers the status callback. Must be called before or
	// immediately after the subscription is opened; statuses reported
	// earlier are dropped.
	OnStatus(StatusHandler)

	// Unsubscribe tears the subscription down. It reports CLOSED (not an
	// error status) and is safe to call more than once.
	Unsubscribe() error
}

// Provider opens named change-feed subscriptions. Implemented by Client for
// the hosted provider and faked in manager tests.
type Provider interface {
	// Subscribe opens a named subscription covering table rows matching the
	// optional filter and delivers row events to onEvent.
	Subscribe(name, table, filter string, onEvent EventHandler) (Subscription, error)

	// RemoveSubscription releases any provider-side state for a named
	// subscription. Safe to call for unknown names.
	RemoveSubscription(name string)
}

// Options configures the websocket client.
type Options struct {
	// URL is the provider websocket endpoint.
	URL string
	// APIKey authenticates the connection (query parameter).
	APIKey string
	// HeartbeatInterval is the keep-alive cadence. A heartbeat that goes
	// unacknowledged for a full interval reports TIMED_OUT.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

// withDefaults fills zero-valued options.
func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}
