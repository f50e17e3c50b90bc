// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package query

import (
	"context"
	"time"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
)

// AuditClient decorates a Querier with per-call audit logging and metrics:
// operation name, duration, row count, outcome. It is the outermost layer of
// the query stack so rejected-by-breaker calls are audited too.
type AuditClient struct {
	inner Querier
}

// Ensure AuditClient implements Querier
var _ Querier = (*AuditClient)(nil)

// NewAuditClient wraps inner with audit logging.
func NewAuditClient(inner Querier) *AuditClient {
	return &AuditClient{inner: inner}
}

// observe records one call's duration and outcome.
func observe(ctx context.Context, operation string, start time.Time, rows int, err error) {
	elapsed := time.Since(start)
	metrics.QueryDuration.WithLabelValues(operation).Observe(elapsed.Seconds())

	if err != nil {
		metrics.QueryErrors.WithLabelValues(operation).Inc()
		logging.Ctx(ctx).Warn().Str("operation", operation).Dur("duration", elapsed).Err(err).Msg("query failed")
		return
	}
	logging.Ctx(ctx).Debug().Str("operation", operation).Dur("duration", elapsed).Int("rows", rows).Msg("query completed")
}

func (a *AuditClient) ChannelMessages(ctx context.Context, channelID int64) ([]models.Message, error) {
	start := time.Now()
	msgs, err := a.inner.ChannelMessages(ctx, channelID)
	observe(ctx, "channel_messages", start, len(msgs), err)
	return msgs, err
}

func (a *AuditClient) ClaimChannelIDs(ctx context.Context) ([]int64, error) {
	start := time.Now()
	ids, err := a.inner.ClaimChannelIDs(ctx)
	observe(ctx, "claim_channel_ids", start, len(ids), err)
	return ids, err
}

func (a *AuditClient) RecentClaimMessages(ctx context.Context, channelIDs []int64, excludeSenderID string, limit int) ([]models.Message, error) {
	start := time.Now()
	msgs, err := a.inner.RecentClaimMessages(ctx, channelIDs, excludeSenderID, limit)
	observe(ctx, "recent_claim_messages", start, len(msgs), err)
	return msgs, err
}

func (a *AuditClient) Sender(ctx context.Context, senderID string) (models.Sender, error) {
	start := time.Now()
	sender, err := a.inner.Sender(ctx, senderID)
	rows := 0
	if err == nil {
		rows = 1
	}
	observe(ctx, "sender", start, rows, err)
	return sender, err
}
