// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
client.go - PostgREST Query Client

This file implements the REST client for the hosted Postgres query surface
(PostgREST-style filter syntax: column=op.value, order=, limit=).

Tables:
  - messages:  chat rows, one per message
  - channels:  conversation rows; claim_id is non-null for support claims
  - profiles:  sender display information
*/

package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/backdesk/backdesk/internal/models"
)

// ErrSenderNotFound is returned when a sender id resolves to no profile row.
var ErrSenderNotFound = errors.New("sender profile not found")

// Ensure Client implements Querier
var _ Querier = (*Client)(nil)

// Client talks to the hosted Postgres REST endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a query client.
//
// Parameters:
//   - baseURL: REST endpoint root (e.g. https://project.example.co)
//   - apiKey: project API key; sent as both apikey header and bearer token
//   - timeout: per-request timeout (zero selects 15s)
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChannelMessages returns all messages of one channel, ascending by
// creation timestamp. The server already orders rows; the store re-sorts on
// merge anyway, so a misordered response cannot corrupt state.
func (c *Client) ChannelMessages(ctx context.Context, channelID int64) ([]models.Message, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("channel_id", "eq."+strconv.FormatInt(channelID, 10))
	params.Set("order", "created_at.asc")

	var msgs []models.Message
	if err := c.getJSON(ctx, "/rest/v1/messages", params, &msgs); err != nil {
		return nil, fmt.Errorf("channel %d messages: %w", channelID, err)
	}
	return msgs, nil
}

// ClaimChannelIDs returns the ids of channels attached to a support claim.
func (c *Client) ClaimChannelIDs(ctx context.Context) ([]int64, error) {
	params := url.Values{}
	params.Set("select", "id")
	params.Set("claim_id", "not.is.null")

	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := c.getJSON(ctx, "/rest/v1/channels", params, &rows); err != nil {
		return nil, fmt.Errorf("claim channels: %w", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// RecentClaimMessages returns the limit most recent messages across the
// given channels, excluding excludeSenderID, descending by timestamp. An
// empty channel set short-circuits to no rows.
func (c *Client) RecentClaimMessages(ctx context.Context, channelIDs []int64, excludeSenderID string, limit int) ([]models.Message, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	in := make([]string, 0, len(channelIDs))
	for _, id := range channelIDs {
		in = append(in, strconv.FormatInt(id, 10))
	}

	params := url.Values{}
	params.Set("select", "*")
	params.Set("channel_id", "in.("+strings.Join(in, ",")+")")
	if excludeSenderID != "" {
		params.Set("sender_id", "neq."+excludeSenderID)
	}
	params.Set("order", "created_at.desc")
	params.Set("limit", strconv.Itoa(limit))

	var msgs []models.Message
	if err := c.getJSON(ctx, "/rest/v1/messages", params, &msgs); err != nil {
		return nil, fmt.Errorf("recent claim messages: %w", err)
	}
	return msgs, nil
}

// Sender resolves one sender's display profile.
func (c *Client) Sender(ctx context.Context, senderID string) (models.Sender, error) {
	params := url.Values{}
	params.Set("select", "id,name,email,avatar_url")
	params.Set("id", "eq."+senderID)
	params.Set("limit", "1")

	var rows []models.Sender
	if err := c.getJSON(ctx, "/rest/v1/profiles", params, &rows); err != nil {
		return models.Sender{}, fmt.Errorf("sender %s: %w", senderID, err)
	}
	if len(rows) == 0 {
		return models.Sender{}, fmt.Errorf("sender %s: %w", senderID, ErrSenderNotFound)
	}
	return rows[0], nil
}

// getJSON performs a GET and decodes the JSON response body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("status %d (failed to read body)", resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
