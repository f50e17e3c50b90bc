// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package models

import "time"

// Persisted key names for session guard state. Values are epoch-millisecond
// strings so the layout stays readable in the underlying key-value store and
// matches what dashboard tabs share through it.
const (
	KeyLastActivity     = "last_activity"
	KeySessionStartTime = "session_start_time"
)

// AuthSession is the provider-issued session as seen through the auth
// contract: an access token with its expiry and the authenticated identity.
type AuthSession struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	Email       string    `json:"email,omitempty"`
}

// ExpiresWithin reports whether the session's access token expires within d.
func (s AuthSession) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(d))
}

// AuthEvent mirrors the provider's auth state change notifications.
type AuthEvent string

const (
	AuthSignedIn  AuthEvent = "SIGNED_IN"
	AuthSignedOut AuthEvent = "SIGNED_OUT"
)
