// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package session guards authenticated sessions with two independent
// polling watchers: an inactivity timer and a session-age timer. Both share
// persisted epoch-millis stamps through internal/persist, so the state
// survives restarts and is last-writer-wins across dashboard tabs; per-second
// write granularity is coarse enough because all thresholds are minutes or
// hours.
//
// Sign-out here is deliberately unconditional: there is no warning step, and
// the local redirect always runs even when the provider-side sign-out call
// fails, so a user is never left believing they are authenticated after the
// guard has expired them.
package session

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/backdesk/backdesk/internal/auth"
	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/persist"
)

// RedirectFunc sends the user to the login view. Wired by the embedding
// surface; always invoked on forced sign-out, regardless of remote outcome.
type RedirectFunc func()

// InactivityTimer signs the user out after a period without activity.
//
// Activity arrives through Touch, which the UI boundary calls for pointer,
// key, scroll, and touch signals; persisted updates are throttled to one per
// second. The check itself polls: it compares now against the persisted
// last-activity stamp every check interval.
type InactivityTimer struct {
	store    persist.Store
	auth     auth.Authenticator
	redirect RedirectFunc

	timeout       time.Duration
	checkInterval time.Duration

	limiter *rate.Limiter
	now     func() time.Time
}

// NewInactivityTimer creates the watcher. timeout defaults to 30 minutes and
// checkInterval to one minute when not positive.
func NewInactivityTimer(store persist.Store, authClient auth.Authenticator, redirect RedirectFunc, timeout, checkInterval time.Duration) *InactivityTimer {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &InactivityTimer{
		store:         store,
		auth:          authClient,
		redirect:      redirect,
		timeout:       timeout,
		checkInterval: checkInterval,
		limiter:       rate.NewLimiter(rate.Every(time.Second), 1),
		now:           time.Now,
	}
}

// Touch records user activity. At most one persisted write per second; the
// throttled calls are dropped, which is lossless at minute-scale thresholds.
func (t *InactivityTimer) Touch() {
	if !t.limiter.Allow() {
		return
	}
	if err := persist.SetTime(t.store, models.KeyLastActivity, t.now()); err != nil {
		logging.Warn().Err(err).Msg("failed to persist activity stamp")
	}
}

// InactiveMinutes returns full minutes since the last recorded activity.
// Zero when no stamp exists.
func (t *InactivityTimer) InactiveMinutes() int {
	last, found, err := persist.GetTime(t.store, models.KeyLastActivity)
	if err != nil || !found {
		return 0
	}
	minutes := int(t.now().Sub(last).Minutes())
	if minutes < 0 {
		return 0
	}
	return minutes
}

// Serve seeds the activity stamp when absent, then polls until ctx is
// cancelled. A missing stamp during the loop means a sign-out already
// cleared it; the check skips instead of re-seeding.
func (t *InactivityTimer) Serve(ctx context.Context) error {
	if _, found, err := persist.GetTime(t.store, models.KeyLastActivity); err == nil && !found {
		if err := persist.SetTime(t.store, models.KeyLastActivity, t.now()); err != nil {
			logging.Warn().Err(err).Msg("failed to seed activity stamp")
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
func (t *InactivityTimer) String() string {
	return "inactivity-timer"
}

// check performs one poll.
func (t *InactivityTimer) check(ctx context.Context) {
	last, found, err := persist.GetTime(t.store, models.KeyLastActivity)
	if err != nil {
		logging.Warn().Err(err).Msg("inactivity check failed to read stamp")
		return
	}
	if !found {
		return
	}

	idle := t.now().Sub(last)
	if idle < t.timeout {
		return
	}

	logging.Warn().Dur("idle", idle).Dur("timeout", t.timeout).Msg("inactivity threshold breached, signing out")
	forceSignOut(ctx, t.auth, t.redirect, "inactivity")
}

// forceSignOut runs the shared sign-out path: remote revocation (failure
// logged by the auth client), metrics, and the unconditional redirect.
func forceSignOut(ctx context.Context, authClient auth.Authenticator, redirect RedirectFunc, reason string) {
	metrics.ForcedSignOuts.WithLabelValues(reason).Inc()
	if authClient != nil {
		if err := authClient.SignOut(ctx); err != nil {
			logging.Warn().Err(err).Str("reason", reason).Msg("sign-out reported error")
		}
	}
	if redirect != nil {
		redirect()
	}
}
