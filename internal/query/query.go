// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package query implements the historical read path against the hosted
// Postgres REST surface. Live state comes from the change feed; this package
// only backfills history, discovers claim channels, and resolves sender
// profiles. All reads are one-shot and safe to supersede: callers merge
// results idempotently, so a stale-but-correct response is harmless.
package query

import (
	"context"

	"github.com/backdesk/backdesk/internal/models"
)

// Querier is the historical query contract consumed by the projections.
type Querier interface {
	// ChannelMessages returns every message in one channel, ascending by
	// creation timestamp.
	ChannelMessages(ctx context.Context, channelID int64) ([]models.Message, error)

	// ClaimChannelIDs returns the distinct channel ids that belong to
	// support claims rather than regular order chat.
	ClaimChannelIDs(ctx context.Context) ([]int64, error)

	// RecentClaimMessages returns the limit most recent messages across the
	// given channels, excluding those authored by excludeSenderID,
	// descending by creation timestamp.
	RecentClaimMessages(ctx context.Context, channelIDs []int64, excludeSenderID string, limit int) ([]models.Message, error)

	// Sender resolves display information for one sender id.
	Sender(ctx context.Context, senderID string) (models.Sender, error)
}
