// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package hub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/projection"
	"github.com/backdesk/backdesk/internal/store"
)

// UnreadSource reports the current unread counter. Satisfied by
// projection.Notifier.
type UnreadSource interface {
	Unread() int
}

// AlertBridge consumes surfaced notification alerts from the pub/sub topic
// and re-broadcasts them to dashboard clients, along with the refreshed
// unread counter.
type AlertBridge struct {
	hub        *Hub
	subscriber message.Subscriber
	unread     UnreadSource
}

// NewAlertBridge wires the alert topic into the hub. unread may be nil.
func NewAlertBridge(h *Hub, subscriber message.Subscriber, unread UnreadSource) *AlertBridge {
	return &AlertBridge{hub: h, subscriber: subscriber, unread: unread}
}

// Serve consumes alerts until ctx is cancelled.
func (b *AlertBridge) Serve(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, projection.TopicAlerts)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return ctx.Err()
			}
			b.handle(msg)
		}
	}
}

// String identifies the service in supervisor logs.
func (b *AlertBridge) String() string {
	return "alert-bridge"
}

func (b *AlertBridge) handle(msg *message.Message) {
	var alert models.Notification
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("failed to decode alert payload")
		msg.Ack()
		return
	}

	b.hub.BroadcastNotification(alert)
	if b.unread != nil {
		b.hub.BroadcastUnread(b.unread.Unread())
	}
	msg.Ack()
}

// StoreWatcher pushes connection status and channel preview updates to
// dashboard clients whenever the store changes. Status frames only go out
// on an actual transition; previews go out on every wakeup since the store
// coalesces bursts into single signals.
type StoreWatcher struct {
	hub   *Hub
	store *store.Store
	view  *projection.View

	lastStatus models.ConnectionStatus
}

// NewStoreWatcher wires store changes into the hub.
func NewStoreWatcher(h *Hub, st *store.Store, view *projection.View) *StoreWatcher {
	return &StoreWatcher{hub: h, store: st, view: view}
}

// Serve watches the store until ctx is cancelled.
func (w *StoreWatcher) Serve(ctx context.Context) error {
	changed := w.store.Changed()
	w.push()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			w.push()
		}
	}
}

// String identifies the service in supervisor logs.
func (w *StoreWatcher) String() string {
	return "store-watcher"
}

func (w *StoreWatcher) push() {
	if status := w.store.ConnectionStatus(); status != w.lastStatus {
		w.lastStatus = status
		w.hub.BroadcastStatus(status)
	}
	w.hub.BroadcastJSON(MessageTypePreviews, w.view.LastMessagePreviews())
}
