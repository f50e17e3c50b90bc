// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/realtime"
	"github.com/backdesk/backdesk/internal/store"
)

// fakeSub is a controllable subscription handle. Tests push statuses and
// events through it the way the websocket client would.
type fakeSub struct {
	mu       sync.Mutex
	onStatus realtime.StatusHandler
	onEvent  realtime.EventHandler
	closed   bool
}

func (f *fakeSub) OnStatus(h realtime.StatusHandler) {
	f.mu.Lock()
	f.onStatus = h
	f.mu.Unlock()
}

func (f *fakeSub) Unsubscribe() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSub) report(status realtime.Status, err error) {
	f.mu.Lock()
	h := f.onStatus
	f.mu.Unlock()
	if h != nil {
		h(status, err)
	}
}

func (f *fakeSub) emit(event realtime.Event) {
	f.onEvent(event)
}

func (f *fakeSub) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeProvider records subscribe calls and hands out fakeSubs.
type fakeProvider struct {
	mu         sync.Mutex
	subs       []*fakeSub
	subErr     error
	removed    []string
	lastTable  string
	lastFilter string
}

func (p *fakeProvider) Subscribe(name, table, filter string, onEvent realtime.EventHandler) (realtime.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subErr != nil {
		return nil, p.subErr
	}
	p.lastTable = table
	p.lastFilter = filter
	sub := &fakeSub{onEvent: onEvent}
	p.subs = append(p.subs, sub)
	return sub, nil
}

func (p *fakeProvider) RemoveSubscription(name string) {
	p.mu.Lock()
	p.removed = append(p.removed, name)
	p.mu.Unlock()
}

func (p *fakeProvider) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakeProvider) sub(i int) *fakeSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[i]
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeProvider, *store.Store) {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 5 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	provider := &fakeProvider{}
	st := store.New()
	m := New(provider, st, cfg)
	t.Cleanup(m.Destroy)
	return m, provider, st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testMsg(id, channel int64, ts time.Time) models.Message {
	return models.Message{ID: id, ChannelID: channel, SenderID: "u1", Body: "hello", CreatedAt: ts}
}

func TestInitializeIsIdempotent(t *testing.T) {
	m, provider, _ := newTestManager(t, Config{})

	m.Initialize()
	m.Initialize()
	m.Initialize()

	if got := provider.subscribeCount(); got != 1 {
		t.Fatalf("subscribe count = %d, want 1", got)
	}
}

func TestSubscribedTransitionsToConnected(t *testing.T) {
	m, provider, st := newTestManager(t, Config{})

	m.Initialize()
	if got := st.ConnectionStatus(); got != models.StatusConnecting {
		t.Fatalf("status after initialize = %q, want connecting", got)
	}

	provider.sub(0).report(realtime.StatusSubscribed, nil)

	if got := st.ConnectionStatus(); got != models.StatusConnected {
		t.Fatalf("status = %q, want connected", got)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %q, want connected", got)
	}
	if err := st.LastError(); err != nil {
		t.Fatalf("last error = %v, want nil", err)
	}
}

func TestEventsDispatchToStore(t *testing.T) {
	m, provider, st := newTestManager(t, Config{})
	m.Initialize()
	sub := provider.sub(0)
	sub.report(realtime.StatusSubscribed, nil)

	base := time.Now().UTC().Truncate(time.Second)
	sub.emit(realtime.Event{Type: realtime.EventInsert, Message: testMsg(1, 10, base)})
	sub.emit(realtime.Event{Type: realtime.EventInsert, Message: testMsg(2, 10, base.Add(time.Second))})

	if got := len(st.ChannelMessages(10)); got != 2 {
		t.Fatalf("messages after inserts = %d, want 2", got)
	}

	updated := testMsg(1, 10, base)
	updated.Body = "edited"
	sub.emit(realtime.Event{Type: realtime.EventUpdate, Message: updated})

	msgs := st.ChannelMessages(10)
	if msgs[0].Body != "edited" {
		t.Fatalf("body after update = %q, want edited", msgs[0].Body)
	}

	sub.emit(realtime.Event{Type: realtime.EventDelete, OldID: 2, OldChannelID: 10})
	if got := len(st.ChannelMessages(10)); got != 1 {
		t.Fatalf("messages after delete = %d, want 1", got)
	}
}

func TestMalformedEventDoesNotStopFeed(t *testing.T) {
	m, provider, st := newTestManager(t, Config{})
	m.Initialize()
	sub := provider.sub(0)
	sub.report(realtime.StatusSubscribed, nil)

	sub.emit(realtime.Event{Type: realtime.EventType("GARBAGE")})

	base := time.Now().UTC()
	sub.emit(realtime.Event{Type: realtime.EventInsert, Message: testMsg(5, 7, base)})
	if got := len(st.ChannelMessages(7)); got != 1 {
		t.Fatalf("feed stopped after malformed event: messages = %d, want 1", got)
	}
}

func TestErrorSchedulesBackoffReconnect(t *testing.T) {
	m, provider, st := newTestManager(t, Config{MaxRetries: 5})
	m.Initialize()
	sub := provider.sub(0)
	sub.report(realtime.StatusSubscribed, nil)

	cause := errors.New("feed dropped")
	sub.report(realtime.StatusChannelError, cause)

	if got := st.ConnectionStatus(); got != models.StatusError {
		t.Fatalf("status = %q, want error", got)
	}
	if err := st.LastError(); !errors.Is(err, cause) {
		t.Fatalf("last error = %v, want wrapped %v", err, cause)
	}
	if got := m.State(); got != StateRetrying {
		t.Fatalf("state = %q, want retrying", got)
	}

	waitFor(t, "reconnect subscribe", func() bool { return provider.subscribeCount() == 2 })

	// Old subscription must be torn down before the new one opens.
	if !sub.isClosed() {
		t.Fatal("previous subscription left open across reconnect")
	}

	provider.sub(1).report(realtime.StatusSubscribed, nil)
	if got := m.Retries(); got != 0 {
		t.Fatalf("retries after recovery = %d, want 0", got)
	}
	if got := st.ConnectionStatus(); got != models.StatusConnected {
		t.Fatalf("status after recovery = %q, want connected", got)
	}
}

func TestRetryBudgetGoesTerminal(t *testing.T) {
	m, provider, st := newTestManager(t, Config{MaxRetries: 3})
	m.Initialize()
	provider.sub(0).report(realtime.StatusSubscribed, nil)

	// First error: reconnect attempt 1.
	provider.sub(0).report(realtime.StatusTimedOut, errors.New("heartbeat missed"))
	waitFor(t, "first reconnect", func() bool { return provider.subscribeCount() == 2 })

	// Second error: reconnect attempt 2.
	provider.sub(1).report(realtime.StatusChannelError, errors.New("still down"))
	waitFor(t, "second reconnect", func() bool { return provider.subscribeCount() == 3 })

	// Third consecutive error exhausts the budget: no further subscribes.
	provider.sub(2).report(realtime.StatusChannelError, errors.New("dead"))

	if got := m.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := provider.subscribeCount(); got != 3 {
		t.Fatalf("subscribe count after terminal failure = %d, want 3", got)
	}
	if got := st.ConnectionStatus(); got != models.StatusError {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestManualReconnectResetsBudget(t *testing.T) {
	m, provider, _ := newTestManager(t, Config{MaxRetries: 2})
	m.Initialize()
	provider.sub(0).report(realtime.StatusSubscribed, nil)

	// One error exhausts a budget of 2 after the single retry fails.
	provider.sub(0).report(realtime.StatusChannelError, errors.New("down"))
	waitFor(t, "retry subscribe", func() bool { return provider.subscribeCount() == 2 })
	provider.sub(1).report(realtime.StatusChannelError, errors.New("down"))

	if got := m.State(); got != StateFailed {
		t.Fatalf("state = %q, want failed", got)
	}

	m.Reconnect()

	waitFor(t, "manual resubscribe", func() bool { return provider.subscribeCount() == 3 })
	if got := m.Retries(); got != 0 {
		t.Fatalf("retries after manual reconnect = %d, want 0", got)
	}
	provider.sub(2).report(realtime.StatusSubscribed, nil)
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %q, want connected", got)
	}
}

func TestClosedDoesNotRetry(t *testing.T) {
	m, provider, st := newTestManager(t, Config{})
	m.Initialize()
	provider.sub(0).report(realtime.StatusSubscribed, nil)

	provider.sub(0).report(realtime.StatusClosed, nil)

	if got := st.ConnectionStatus(); got != models.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", got)
	}
	time.Sleep(30 * time.Millisecond)
	if got := provider.subscribeCount(); got != 1 {
		t.Fatalf("subscribe count after close = %d, want 1 (no retry)", got)
	}
}

func TestDestroyTearsDownAndAllowsReinitialize(t *testing.T) {
	m, provider, st := newTestManager(t, Config{})
	m.Initialize()
	sub := provider.sub(0)
	sub.report(realtime.StatusSubscribed, nil)

	m.Destroy()

	if !sub.isClosed() {
		t.Fatal("subscription not closed by destroy")
	}
	provider.mu.Lock()
	removed := len(provider.removed)
	provider.mu.Unlock()
	if removed != 1 {
		t.Fatalf("remove-subscription calls = %d, want 1", removed)
	}
	if got := st.ConnectionStatus(); got != models.StatusDisconnected {
		t.Fatalf("status after destroy = %q, want disconnected", got)
	}

	// Statuses from the dead subscription must be ignored.
	sub.report(realtime.StatusChannelError, errors.New("late"))
	time.Sleep(30 * time.Millisecond)
	if got := provider.subscribeCount(); got != 1 {
		t.Fatalf("stale status triggered resubscribe: count = %d, want 1", got)
	}

	m.Initialize()
	if got := provider.subscribeCount(); got != 2 {
		t.Fatalf("subscribe count after reinitialize = %d, want 2", got)
	}
}

func TestSubscribeFailureEntersRetryPath(t *testing.T) {
	provider := &fakeProvider{subErr: errors.New("dial refused")}
	st := store.New()
	m := New(provider, st, Config{RetryBaseDelay: 5 * time.Millisecond, MaxRetries: 3})
	t.Cleanup(m.Destroy)

	m.Initialize()

	if got := st.ConnectionStatus(); got != models.StatusError {
		t.Fatalf("status = %q, want error", got)
	}
	if got := m.State(); got != StateRetrying {
		t.Fatalf("state = %q, want retrying", got)
	}

	provider.mu.Lock()
	provider.subErr = nil
	provider.mu.Unlock()

	waitFor(t, "retry after dial failure", func() bool { return provider.subscribeCount() == 1 })
}
