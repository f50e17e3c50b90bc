// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
Package models defines data structures shared across the Backdesk realtime core.

This package contains the chat message model observed from the hosted-Postgres
change feed, connection status values for the single process-wide subscription,
notification entries derived for the support-claim feed, and the persisted
session state used by the inactivity and session-age guards.

Key Components:

  - Message: one chat line, keyed by server-assigned id, grouped by channel
  - ConnectionStatus: disconnected | connecting | connected | error
  - Notification: claim-channel message surfaced to staff with sender info
  - Sender: display information resolved per sender id
  - SessionState: persisted activity and session-start timestamps

Ordering Contract:

Message ids are unique but NOT guaranteed monotonic within a channel.
Display ordering always uses CreatedAt ascending; ids serve only as the
dedup key and as the monotonic tiebreak for new-notification detection.

Thread Safety:

All models are plain data structures with no internal synchronization.
Ownership rules are enforced by the store package (single writer).
*/
package models
