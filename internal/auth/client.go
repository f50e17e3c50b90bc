// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
client.go - Hosted Auth Client

REST client for the provider's auth surface (GoTrue-style):

	POST /auth/v1/token?grant_type=refresh_token   refresh the session
	POST /auth/v1/logout                           revoke the session

The client caches the current session in memory and emits SIGNED_IN /
SIGNED_OUT events to registered handlers as the state changes.
*/

package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/models"
)

// ErrNoSession is returned when no session is established.
var ErrNoSession = errors.New("no active session")

// Ensure Client implements Authenticator
var _ Authenticator = (*Client)(nil)

// Client talks to the hosted auth endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu           sync.Mutex
	session      models.AuthSession
	refreshToken string
	handlers     []EventHandler
}

// NewClient creates an auth client. refreshToken is the long-lived token the
// deployment was provisioned with; an empty value means the client starts
// signed out.
func NewClient(baseURL, apiKey, refreshToken string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		refreshToken: refreshToken,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// OnAuthEvent registers a state change handler.
func (c *Client) OnAuthEvent(handler EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// Session returns the current session, refreshing once when none is cached
// yet but a refresh token is available.
func (c *Client) Session(ctx context.Context) (models.AuthSession, error) {
	c.mu.Lock()
	session := c.session
	haveToken := c.refreshToken != ""
	c.mu.Unlock()

	if session.AccessToken != "" {
		return session, nil
	}
	if !haveToken {
		return models.AuthSession{}, ErrNoSession
	}
	return c.Refresh(ctx)
}

// tokenResponse is the provider's refresh grant response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Refresh exchanges the refresh token for a fresh access token. On success
// the rotated refresh token replaces the old one and SIGNED_IN is emitted
// for the first session of a signed-out client.
func (c *Client) Refresh(ctx context.Context) (models.AuthSession, error) {
	c.mu.Lock()
	refreshToken := c.refreshToken
	hadSession := c.session.AccessToken != ""
	c.mu.Unlock()

	if refreshToken == "" {
		return models.AuthSession{}, ErrNoSession
	}

	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return models.AuthSession{}, fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v1/token?grant_type=refresh_token", strings.NewReader(string(body)))
	if err != nil {
		return models.AuthSession{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.AuthSession{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.AuthSession{}, fmt.Errorf("refresh returned status %d: %s", resp.StatusCode, string(msg))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return models.AuthSession{}, fmt.Errorf("decode refresh response: %w", err)
	}

	session := models.AuthSession{
		AccessToken: tok.AccessToken,
		UserID:      tok.User.ID,
		Email:       tok.User.Email,
	}
	if tok.ExpiresIn > 0 {
		session.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else if exp, err := TokenExpiry(tok.AccessToken); err == nil {
		session.ExpiresAt = exp
	}

	c.mu.Lock()
	c.session = session
	if tok.RefreshToken != "" {
		c.refreshToken = tok.RefreshToken
	}
	handlers := append([]EventHandler(nil), c.handlers...)
	c.mu.Unlock()

	if !hadSession {
		for _, h := range handlers {
			h(models.AuthSignedIn, session)
		}
	}
	return session, nil
}

// SignOut revokes the session with the provider and clears local state.
// A remote revocation failure is logged, not returned: local state is
// cleared and SIGNED_OUT emitted either way, so the caller's sign-out flow
// always completes.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	accessToken := c.session.AccessToken
	c.session = models.AuthSession{}
	c.refreshToken = ""
	handlers := append([]EventHandler(nil), c.handlers...)
	c.mu.Unlock()

	if accessToken != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/v1/logout", http.NoBody)
		if err == nil {
			req.Header.Set("apikey", c.apiKey)
			req.Header.Set("Authorization", "Bearer "+accessToken)
			resp, err := c.httpClient.Do(req)
			if err != nil {
				logging.Ctx(ctx).Warn().Err(err).Msg("remote sign-out failed, local session cleared")
			} else {
				_ = resp.Body.Close()
				if resp.StatusCode >= 300 {
					logging.Ctx(ctx).Warn().Int("status", resp.StatusCode).Msg("remote sign-out rejected, local session cleared")
				}
			}
		}
	}

	for _, h := range handlers {
		h(models.AuthSignedOut, models.AuthSession{})
	}
	return nil
}
