// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package models

import "time"

// Message represents one chat line observed from the messages table.
//
// Messages are created, updated, and deleted by external actors (customers
// and staff) through the marketplace backend; the realtime core only ever
// observes them through change-feed events and historical queries. Ids are
// server-assigned and unique, but insertion order within a channel is not
// guaranteed to follow id order - CreatedAt is the primary sort key and the
// id is the dedup/tiebreak key.
type Message struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Before reports whether m sorts strictly before other in a channel's
// message list: ascending CreatedAt, id as the tiebreak for equal timestamps.
// Timestamps are server-assigned with low resolution, so equal values are
// common in bursts.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Sender holds display information for a message author, resolved on demand
// from the profiles table and cached by the notification feed.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Notification is a claim-channel message surfaced to staff. It carries the
// resolved sender so the UI can render the alert without a second lookup.
type Notification struct {
	Message Message `json:"message"`
	Sender  Sender  `json:"sender"`
}
