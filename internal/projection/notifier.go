// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
notifier.go - Claim-Channel Notification Feed

The notifier watches the store's last-message map and surfaces an alert for
every new claim-channel message not authored by the current staff identity.

Detection rule: a candidate is new when its id is strictly greater than the
highest id already processed. Ids are server-assigned and unique; creation
timestamps are the display order, ids are the dedup key. Every wakeup scans
the whole last-message map, so a burst of updates across many channels is
caught in one pass even though the store coalesces change notifications.

The unread counter only ever increments on detection and resets to zero on
an explicit user action; there are no read receipts to derive it from.
*/
package projection

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/query"
	"github.com/backdesk/backdesk/internal/store"
)

// TopicAlerts is the pub/sub topic notification alerts are published on.
const TopicAlerts = "notifications.alerts"

// NotifierConfig holds the feed's knobs.
type NotifierConfig struct {
	// StaffSenderID is the current staff identity; self-authored messages
	// never become notifications.
	StaffSenderID string
	// HistoryLimit bounds the initial historical window.
	HistoryLimit int
	// ClaimCacheTTL bounds reuse of the claim-channel id set.
	ClaimCacheTTL time.Duration
}

// Notifier maintains the notification feed and publishes alerts.
type Notifier struct {
	store     *store.Store
	querier   query.Querier
	publisher message.Publisher
	cfg       NotifierConfig
	now       func() time.Time

	mu              sync.Mutex
	claimIDs        map[int64]struct{}
	claimFetchedAt  time.Time
	senders         map[string]models.Sender
	seen            map[int64]struct{}
	history         []models.Notification
	lastProcessedID int64
	unread          int
}

// NewNotifier creates the feed. querier may be nil (no backfill, live
// detection only); publisher may be nil (no alert fan-out).
func NewNotifier(st *store.Store, querier query.Querier, publisher message.Publisher, cfg NotifierConfig) *Notifier {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.ClaimCacheTTL <= 0 {
		cfg.ClaimCacheTTL = 5 * time.Minute
	}
	return &Notifier{
		store:   st,
		querier: querier,
		cfg:     cfg,
		now:     time.Now,

		publisher: publisher,
		claimIDs:  map[int64]struct{}{},
		senders:   map[string]models.Sender{},
		seen:      map[int64]struct{}{},
	}
}

// Serve backfills the feed, then watches the store until ctx is cancelled.
func (n *Notifier) Serve(ctx context.Context) error {
	changed := n.store.Changed()
	n.bootstrap(ctx)
	// Catch anything that landed in the store before the watcher existed.
	n.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			n.scan(ctx)
		}
	}
}

// String identifies the service in supervisor logs.
func (n *Notifier) String() string {
	return "notification-feed"
}

// Notifications returns the feed entries, claim channels only, descending by
// creation timestamp. The returned slice is a copy.
func (n *Notifier) Notifications() []models.Notification {
	n.mu.Lock()
	out := make([]models.Notification, len(n.history))
	copy(out, n.history)
	n.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Message.Before(out[i].Message)
	})
	return out
}

// Unread returns the current unread count.
func (n *Notifier) Unread() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

// ResetUnread zeroes the unread counter. Called when the user opens the
// notification list; nothing else ever decrements the count.
func (n *Notifier) ResetUnread() {
	n.mu.Lock()
	n.unread = 0
	n.mu.Unlock()
	metrics.NotificationsUnread.Set(0)
}

// bootstrap loads the claim-channel set and the recent historical window.
// Backfilled entries seed the feed without counting as unread; only arrivals
// observed live increment the counter.
func (n *Notifier) bootstrap(ctx context.Context) {
	claims := n.refreshClaims(ctx)
	if n.querier == nil || len(claims) == 0 {
		return
	}

	msgs, err := n.querier.RecentClaimMessages(ctx, claims, n.cfg.StaffSenderID, n.cfg.HistoryLimit)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("notification backfill failed, starting from live feed only")
		return
	}

	n.mu.Lock()
	for _, msg := range msgs {
		if _, dup := n.seen[msg.ID]; dup {
			continue
		}
		n.seen[msg.ID] = struct{}{}
		n.history = append(n.history, models.Notification{Message: msg, Sender: n.senderLocked(ctx, msg.SenderID)})
		if msg.ID > n.lastProcessedID {
			n.lastProcessedID = msg.ID
		}
	}
	count := len(n.history)
	n.mu.Unlock()

	logging.Ctx(ctx).Info().Int("entries", count).Msg("notification feed backfilled")
}

// scan inspects every channel's newest message and surfaces the new ones.
func (n *Notifier) scan(ctx context.Context) {
	last := n.store.LastMessages()
	if len(last) == 0 {
		return
	}
	claimSet := n.claimSet(ctx)

	n.mu.Lock()
	var fresh []models.Message
	for channelID, msg := range last {
		if _, claim := claimSet[channelID]; !claim {
			continue
		}
		if msg.SenderID == n.cfg.StaffSenderID {
			continue
		}
		if msg.ID <= n.lastProcessedID {
			continue
		}
		if _, dup := n.seen[msg.ID]; dup {
			continue
		}
		fresh = append(fresh, msg)
	}

	if len(fresh) == 0 {
		n.mu.Unlock()
		return
	}

	// Oldest first so history append order follows arrival order.
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Before(fresh[j]) })

	alerts := make([]models.Notification, 0, len(fresh))
	for _, msg := range fresh {
		n.seen[msg.ID] = struct{}{}
		if msg.ID > n.lastProcessedID {
			n.lastProcessedID = msg.ID
		}
		entry := models.Notification{Message: msg, Sender: n.senderLocked(ctx, msg.SenderID)}
		n.history = append(n.history, entry)
		n.unread++
		alerts = append(alerts, entry)
	}
	unread := n.unread
	n.mu.Unlock()

	metrics.NotificationsUnread.Set(float64(unread))
	for _, alert := range alerts {
		n.surface(ctx, alert)
	}
}

// surface publishes one alert to the pub/sub topic.
func (n *Notifier) surface(ctx context.Context, alert models.Notification) {
	metrics.NotificationsSurfaced.Inc()
	logging.Ctx(ctx).Info().
		Int64("message_id", alert.Message.ID).
		Int64("channel_id", alert.Message.ChannelID).
		Str("sender", alert.Sender.Name).
		Msg("new claim message")

	if n.publisher == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to encode alert")
		return
	}
	msg := message.NewMessage(strconv.FormatInt(alert.Message.ID, 10), payload)
	if err := n.publisher.Publish(TopicAlerts, msg); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to publish alert")
	}
}

// senderLocked resolves sender display info through the per-id cache.
// Resolution failure degrades to an id-only placeholder; the alert still
// surfaces. Caller must hold n.mu.
func (n *Notifier) senderLocked(ctx context.Context, senderID string) models.Sender {
	if cached, ok := n.senders[senderID]; ok {
		return cached
	}
	sender := models.Sender{ID: senderID}
	if n.querier != nil {
		resolved, err := n.querier.Sender(ctx, senderID)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("sender_id", senderID).Msg("sender lookup failed")
		} else {
			sender = resolved
		}
	}
	n.senders[senderID] = sender
	return sender
}

// claimSet returns the claim-channel ids, refreshing the cache when it has
// expired. A failed refresh keeps serving the stale set.
func (n *Notifier) claimSet(ctx context.Context) map[int64]struct{} {
	n.mu.Lock()
	expired := n.now().Sub(n.claimFetchedAt) >= n.cfg.ClaimCacheTTL
	cached := n.claimIDs
	n.mu.Unlock()

	if !expired {
		return cached
	}
	n.refreshClaims(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.claimIDs
}

// refreshClaims fetches the claim-channel id set and caches it.
func (n *Notifier) refreshClaims(ctx context.Context) []int64 {
	if n.querier == nil {
		return nil
	}
	ids, err := n.querier.ClaimChannelIDs(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("claim channel refresh failed, keeping cached set")
		n.mu.Lock()
		// Push the next attempt out a full TTL so a dead backend is not
		// hammered on every store change.
		n.claimFetchedAt = n.now()
		n.mu.Unlock()
		return nil
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	n.mu.Lock()
	n.claimIDs = set
	n.claimFetchedAt = n.now()
	n.mu.Unlock()
	return ids
}
