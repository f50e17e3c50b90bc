// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package projection derives read-only dashboard views from the message
// store: per-channel conversation lists, last-message previews with relative
// ages, and the claim-channel notification feed. Projections never mutate
// live state; the only store write they perform is the idempotent
// history merge.
package projection

import (
	"context"
	"strconv"
	"time"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/query"
	"github.com/backdesk/backdesk/internal/store"
)

// View exposes conversation projections over the store, plus the one-shot
// history backfill. Safe for concurrent use; all reads are store snapshots.
type View struct {
	store   *store.Store
	querier query.Querier
	now     func() time.Time
}

// NewView creates a conversation view over the store. querier backs
// LoadHistory and may be nil when no historical read path is configured.
func NewView(st *store.Store, querier query.Querier) *View {
	return &View{
		store:   st,
		querier: querier,
		now:     time.Now,
	}
}

// Messages returns the live message list for one channel, ascending by
// creation timestamp.
func (v *View) Messages(channelID int64) []models.Message {
	return v.store.ChannelMessages(channelID)
}

// IsConnected reports whether the change feed is currently live. A false
// value means the list may be stale until the feed recovers.
func (v *View) IsConnected() bool {
	return v.store.ConnectionStatus() == models.StatusConnected
}

// LoadHistory performs the one-shot historical fetch for a channel and
// merges it into the store. Errors degrade to an empty merge: they are
// logged and swallowed so a dead query backend never blocks the live view.
// The merge is idempotent by channel, so a fetch that resolves after the
// user switched channels is harmless.
func (v *View) LoadHistory(ctx context.Context, channelID int64) {
	if v.querier == nil {
		return
	}
	msgs, err := v.querier.ChannelMessages(ctx, channelID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Int64("channel_id", channelID).Msg("history fetch failed, keeping live view")
		return
	}
	if len(msgs) == 0 {
		return
	}
	v.store.SetChannelMessages(channelID, msgs)
	logging.Ctx(ctx).Debug().Int64("channel_id", channelID).Int("rows", len(msgs)).Msg("history merged")
}

// Preview is one channel's most recent message with a human-readable age.
type Preview struct {
	Message     models.Message `json:"message"`
	RelativeAge string         `json:"relative_age"`
}

// LastMessagePreviews returns the newest message of every non-empty channel
// with its relative age, keyed by channel id.
func (v *View) LastMessagePreviews() map[int64]Preview {
	last := v.store.LastMessages()
	now := v.now()

	previews := make(map[int64]Preview, len(last))
	for channelID, msg := range last {
		previews[channelID] = Preview{
			Message:     msg,
			RelativeAge: RelativeAge(msg.CreatedAt, now),
		}
	}
	return previews
}

// RelativeAge renders how long ago ts was, bucketed the way the dashboard
// displays conversation ages: under a minute reads "just now", then whole
// minutes, hours, and days.
func RelativeAge(ts, now time.Time) string {
	minutes := int(now.Sub(ts).Minutes())
	switch {
	case minutes < 1:
		return "just now"
	case minutes < 60:
		return strconv.Itoa(minutes) + " min ago"
	case minutes < 1440:
		return strconv.Itoa(minutes/60) + " h ago"
	default:
		return strconv.Itoa(minutes/1440) + " d ago"
	}
}
