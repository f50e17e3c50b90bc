// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package auth implements the client side of the hosted auth contract:
// session state, token refresh, sign-out, and auth state change callbacks.
// Authentication itself (password flows, OAuth) happens in the provider;
// this package only manages the session the provider already issued.
package auth

import (
	"context"

	"github.com/backdesk/backdesk/internal/models"
)

// EventHandler receives auth state transitions. The session carries the
// post-transition state; it is zero for SIGNED_OUT.
type EventHandler func(event models.AuthEvent, session models.AuthSession)

// Authenticator is the auth surface the session guard consumes.
type Authenticator interface {
	// Session returns the current session. ErrNoSession when signed out.
	Session(ctx context.Context) (models.AuthSession, error)

	// Refresh exchanges the refresh token for a new access token and
	// returns the refreshed session.
	Refresh(ctx context.Context) (models.AuthSession, error)

	// SignOut revokes the session with the provider and clears local state.
	SignOut(ctx context.Context) error

	// OnAuthEvent registers a state change callback. Callbacks run on the
	// goroutine that triggered the transition.
	OnAuthEvent(handler EventHandler)
}
