// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backdesk/backdesk/internal/auth"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/persist"
)

// fakeAuth is a controllable Authenticator.
type fakeAuth struct {
	mu           sync.Mutex
	session      models.AuthSession
	sessionErr   error
	refreshErr   error
	signOuts     int
	refreshes    int
	handlers     []auth.EventHandler
	emitOnSignIn bool
}

func (f *fakeAuth) Session(context.Context) (models.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.sessionErr
}

func (f *fakeAuth) Refresh(context.Context) (models.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return models.AuthSession{}, f.refreshErr
	}
	f.session.ExpiresAt = f.session.ExpiresAt.Add(time.Hour)
	return f.session, nil
}

func (f *fakeAuth) SignOut(context.Context) error {
	f.mu.Lock()
	f.signOuts++
	handlers := append([]auth.EventHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(models.AuthSignedOut, models.AuthSession{})
	}
	return nil
}

func (f *fakeAuth) OnAuthEvent(handler auth.EventHandler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
}

func (f *fakeAuth) emit(event models.AuthEvent) {
	f.mu.Lock()
	handlers := append([]auth.EventHandler(nil), f.handlers...)
	session := f.session
	f.mu.Unlock()
	for _, h := range handlers {
		h(event, session)
	}
}

func (f *fakeAuth) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOuts
}

func (f *fakeAuth) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// countingStore wraps a Store and counts writes.
type countingStore struct {
	persist.Store
	mu   sync.Mutex
	sets int
}

func (c *countingStore) Set(key, value string) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.Store.Set(key, value)
}

func (c *countingStore) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func newTestKV(t *testing.T) persist.Store {
	t.Helper()
	store, err := persist.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type redirects struct {
	mu    sync.Mutex
	count int
}

func (r *redirects) fn() RedirectFunc {
	return func() {
		r.mu.Lock()
		r.count++
		r.mu.Unlock()
	}
}

func (r *redirects) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func TestTouchThrottledToOneWritePerSecond(t *testing.T) {
	kv := &countingStore{Store: newTestKV(t)}
	timer := NewInactivityTimer(kv, &fakeAuth{}, nil, time.Hour, time.Hour)

	for range 50 {
		timer.Touch()
	}

	if got := kv.setCount(); got != 1 {
		t.Fatalf("persisted writes = %d, want 1 (throttled)", got)
	}
	if _, found, _ := persist.GetTime(kv, models.KeyLastActivity); !found {
		t.Fatal("activity stamp missing after touch")
	}
}

func TestInactiveMinutes(t *testing.T) {
	kv := newTestKV(t)
	timer := NewInactivityTimer(kv, &fakeAuth{}, nil, time.Hour, time.Hour)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := persist.SetTime(kv, models.KeyLastActivity, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base.Add(17*time.Minute + 30*time.Second) }

	if got := timer.InactiveMinutes(); got != 17 {
		t.Fatalf("InactiveMinutes = %d, want 17", got)
	}
}

func TestInactivityBreachForcesSignOutAndRedirect(t *testing.T) {
	kv := newTestKV(t)
	authClient := &fakeAuth{}
	var r redirects
	timer := NewInactivityTimer(kv, authClient, r.fn(), 30*time.Minute, time.Minute)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := persist.SetTime(kv, models.KeyLastActivity, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base.Add(31 * time.Minute) }

	timer.check(context.Background())

	if got := authClient.signOutCount(); got != 1 {
		t.Fatalf("sign-outs = %d, want 1", got)
	}
	if got := r.total(); got != 1 {
		t.Fatalf("redirects = %d, want 1", got)
	}
}

func TestInactivityUnderThresholdDoesNothing(t *testing.T) {
	kv := newTestKV(t)
	authClient := &fakeAuth{}
	var r redirects
	timer := NewInactivityTimer(kv, authClient, r.fn(), 30*time.Minute, time.Minute)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := persist.SetTime(kv, models.KeyLastActivity, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base.Add(29 * time.Minute) }

	timer.check(context.Background())

	if authClient.signOutCount() != 0 || r.total() != 0 {
		t.Fatal("guard fired under threshold")
	}
}

func TestInactivityCheckSkipsWithoutStamp(t *testing.T) {
	kv := newTestKV(t)
	authClient := &fakeAuth{}
	var r redirects
	timer := NewInactivityTimer(kv, authClient, r.fn(), time.Minute, time.Minute)

	timer.check(context.Background())

	if authClient.signOutCount() != 0 || r.total() != 0 {
		t.Fatal("guard fired with no persisted stamp")
	}
}

func TestSessionAgeCeilingForcesSignOut(t *testing.T) {
	kv := newTestKV(t)
	authClient := &fakeAuth{}
	var r redirects
	timer := NewSessionTimer(kv, authClient, r.fn(), 8*time.Hour, time.Minute, 5*time.Minute)

	base := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if err := persist.SetTime(kv, models.KeySessionStartTime, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base.Add(8*time.Hour + time.Minute) }

	timer.check(context.Background())

	if got := authClient.signOutCount(); got != 1 {
		t.Fatalf("sign-outs = %d, want 1", got)
	}
	if got := r.total(); got != 1 {
		t.Fatalf("redirects = %d, want 1", got)
	}
}

func TestProactiveRefreshInsideWindow(t *testing.T) {
	kv := newTestKV(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	authClient := &fakeAuth{session: models.AuthSession{
		AccessToken: "at",
		ExpiresAt:   base.Add(3 * time.Minute),
	}}
	timer := NewSessionTimer(kv, authClient, nil, 8*time.Hour, time.Minute, 5*time.Minute)

	if err := persist.SetTime(kv, models.KeySessionStartTime, base.Add(-time.Hour)); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base }

	timer.check(context.Background())

	if got := authClient.refreshCount(); got != 1 {
		t.Fatalf("refreshes = %d, want 1", got)
	}
	if got := authClient.signOutCount(); got != 0 {
		t.Fatalf("sign-outs = %d, want 0", got)
	}
}

func TestRefreshFailureForcesSignOut(t *testing.T) {
	kv := newTestKV(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	authClient := &fakeAuth{
		session:    models.AuthSession{AccessToken: "at", ExpiresAt: base.Add(time.Minute)},
		refreshErr: errors.New("refresh token revoked"),
	}
	var r redirects
	timer := NewSessionTimer(kv, authClient, r.fn(), 8*time.Hour, time.Minute, 5*time.Minute)

	if err := persist.SetTime(kv, models.KeySessionStartTime, base.Add(-time.Hour)); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base }

	timer.check(context.Background())

	if got := authClient.signOutCount(); got != 1 {
		t.Fatalf("sign-outs = %d, want 1", got)
	}
	if got := r.total(); got != 1 {
		t.Fatalf("redirects = %d, want 1", got)
	}
}

func TestFreshTokenNotRefreshed(t *testing.T) {
	kv := newTestKV(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	authClient := &fakeAuth{session: models.AuthSession{
		AccessToken: "at",
		ExpiresAt:   base.Add(time.Hour),
	}}
	timer := NewSessionTimer(kv, authClient, nil, 8*time.Hour, time.Minute, 5*time.Minute)

	if err := persist.SetTime(kv, models.KeySessionStartTime, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base }

	timer.check(context.Background())

	if got := authClient.refreshCount(); got != 0 {
		t.Fatalf("refreshes = %d, want 0", got)
	}
}

func TestAuthEventsMaintainStamps(t *testing.T) {
	kv := newTestKV(t)
	authClient := &fakeAuth{}
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	timer := NewSessionTimer(kv, authClient, nil, 8*time.Hour, time.Minute, 5*time.Minute)
	timer.now = func() time.Time { return base }

	authClient.emit(models.AuthSignedIn)
	start, found, err := persist.GetTime(kv, models.KeySessionStartTime)
	if err != nil || !found {
		t.Fatalf("start stamp after sign-in: found=%v err=%v", found, err)
	}
	if !start.Equal(base) {
		t.Fatalf("start stamp = %v, want %v", start, base)
	}

	if err := persist.SetTime(kv, models.KeyLastActivity, base); err != nil {
		t.Fatalf("seed activity: %v", err)
	}
	authClient.emit(models.AuthSignedOut)
	if _, found, _ := persist.GetTime(kv, models.KeySessionStartTime); found {
		t.Fatal("start stamp survived sign-out")
	}
	if _, found, _ := persist.GetTime(kv, models.KeyLastActivity); found {
		t.Fatal("activity stamp survived sign-out")
	}
}

func TestRemainingHours(t *testing.T) {
	kv := newTestKV(t)
	timer := NewSessionTimer(kv, &fakeAuth{}, nil, 8*time.Hour, time.Minute, 5*time.Minute)

	base := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if err := persist.SetTime(kv, models.KeySessionStartTime, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}

	timer.now = func() time.Time { return base.Add(2 * time.Hour) }
	if got := timer.RemainingHours(); got != 6 {
		t.Fatalf("RemainingHours = %v, want 6", got)
	}

	timer.now = func() time.Time { return base.Add(9 * time.Hour) }
	if got := timer.RemainingHours(); got != 0 {
		t.Fatalf("RemainingHours past ceiling = %v, want 0", got)
	}
}

func TestInactivityServePolls(t *testing.T) {
	kv := newTestKV(t)
	authClient := &fakeAuth{}
	var r redirects
	timer := NewInactivityTimer(kv, authClient, r.fn(), 10*time.Millisecond, 5*time.Millisecond)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if err := persist.SetTime(kv, models.KeyLastActivity, base); err != nil {
		t.Fatalf("seed stamp: %v", err)
	}
	timer.now = func() time.Time { return base.Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = timer.Serve(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && authClient.signOutCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	if authClient.signOutCount() == 0 {
		t.Fatal("serve loop never triggered the guard")
	}
	if r.total() == 0 {
		t.Fatal("redirect never ran")
	}
}
