// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package session

import (
	"context"
	"errors"
	"time"

	"github.com/backdesk/backdesk/internal/auth"
	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/persist"
)

// SessionTimer bounds total session age and keeps the access token fresh.
//
// Every check interval it computes the session age from the persisted start
// stamp and signs out past the ceiling. Independently it inspects the access
// token's expiry and proactively refreshes inside the refresh window; a
// failed refresh also forces sign-out, since the session is about to die
// anyway. Auth state events keep the start stamp honest: SIGNED_IN resets
// it, SIGNED_OUT clears both guard stamps.
type SessionTimer struct {
	store    persist.Store
	auth     auth.Authenticator
	redirect RedirectFunc

	maxAge        time.Duration
	checkInterval time.Duration
	refreshWindow time.Duration

	now func() time.Time
}

// NewSessionTimer creates the watcher. maxAge defaults to 8 hours,
// checkInterval to 5 minutes, refreshWindow to 5 minutes.
func NewSessionTimer(store persist.Store, authClient auth.Authenticator, redirect RedirectFunc, maxAge, checkInterval, refreshWindow time.Duration) *SessionTimer {
	if maxAge <= 0 {
		maxAge = 8 * time.Hour
	}
	if checkInterval <= 0 {
		checkInterval = 5 * time.Minute
	}
	if refreshWindow <= 0 {
		refreshWindow = 5 * time.Minute
	}
	t := &SessionTimer{
		store:         store,
		auth:          authClient,
		redirect:      redirect,
		maxAge:        maxAge,
		checkInterval: checkInterval,
		refreshWindow: refreshWindow,
		now:           time.Now,
	}
	if authClient != nil {
		authClient.OnAuthEvent(t.handleAuthEvent)
	}
	return t
}

// handleAuthEvent keeps the persisted stamps aligned with the auth state.
func (t *SessionTimer) handleAuthEvent(event models.AuthEvent, _ models.AuthSession) {
	switch event {
	case models.AuthSignedIn:
		if err := persist.SetTime(t.store, models.KeySessionStartTime, t.now()); err != nil {
			logging.Warn().Err(err).Msg("failed to reset session start stamp")
		}
	case models.AuthSignedOut:
		if err := t.store.Delete(models.KeySessionStartTime); err != nil {
			logging.Warn().Err(err).Msg("failed to clear session start stamp")
		}
		if err := t.store.Delete(models.KeyLastActivity); err != nil {
			logging.Warn().Err(err).Msg("failed to clear activity stamp")
		}
	}
}

// RemainingHours returns the hours left before the age ceiling, clamped at
// zero. Full ceiling when no session start is recorded.
func (t *SessionTimer) RemainingHours() float64 {
	start, found, err := persist.GetTime(t.store, models.KeySessionStartTime)
	if err != nil || !found {
		return t.maxAge.Hours()
	}
	remaining := t.maxAge - t.now().Sub(start)
	if remaining < 0 {
		return 0
	}
	return remaining.Hours()
}

// Serve seeds the start stamp when absent, then polls until ctx is
// cancelled.
func (t *SessionTimer) Serve(ctx context.Context) error {
	if _, found, err := persist.GetTime(t.store, models.KeySessionStartTime); err == nil && !found {
		if err := persist.SetTime(t.store, models.KeySessionStartTime, t.now()); err != nil {
			logging.Warn().Err(err).Msg("failed to seed session start stamp")
		}
	}

	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.check(ctx)
		}
	}
}

// String identifies the service in supervisor logs.
func (t *SessionTimer) String() string {
	return "session-timer"
}

// check performs one poll: the age ceiling first, then token freshness.
func (t *SessionTimer) check(ctx context.Context) {
	start, found, err := persist.GetTime(t.store, models.KeySessionStartTime)
	if err != nil {
		logging.Warn().Err(err).Msg("session check failed to read stamp")
		return
	}
	if !found {
		return
	}

	age := t.now().Sub(start)
	if age > t.maxAge {
		logging.Warn().Dur("age", age).Dur("max_age", t.maxAge).Msg("session age ceiling breached, signing out")
		forceSignOut(ctx, t.auth, t.redirect, "session_age")
		return
	}

	t.refreshIfExpiring(ctx)
}

// refreshIfExpiring refreshes the access token when it expires within the
// refresh window. Refresh failure is terminal for the session.
func (t *SessionTimer) refreshIfExpiring(ctx context.Context) {
	if t.auth == nil {
		return
	}
	session, err := t.auth.Session(ctx)
	if err != nil {
		if !errors.Is(err, auth.ErrNoSession) {
			logging.Warn().Err(err).Msg("session check could not read auth session")
		}
		return
	}
	if !session.ExpiresWithin(t.now(), t.refreshWindow) {
		return
	}

	if _, err := t.auth.Refresh(ctx); err != nil {
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		logging.Warn().Err(err).Msg("token refresh failed, signing out")
		forceSignOut(ctx, t.auth, t.redirect, "refresh_failed")
		return
	}
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logging.Debug().Msg("access token refreshed")
}
