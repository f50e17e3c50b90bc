// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package api exposes the realtime core's read-only projections over HTTP:
// connection status, per-channel messages, the notification feed, and a
// websocket endpoint streaming live updates to dashboard clients.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/backdesk/backdesk/internal/hub"
	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/manager"
	"github.com/backdesk/backdesk/internal/projection"
	"github.com/backdesk/backdesk/internal/store"
)

// Handler bundles the projections the HTTP surface reads from.
type Handler struct {
	store    *store.Store
	view     *projection.View
	notifier *projection.Notifier
	manager  *manager.Manager
	wsHub    *hub.Hub

	allowedOrigins []string
}

// NewHandler creates the HTTP handler set. notifier, manager, and wsHub may
// be nil; the corresponding endpoints then degrade gracefully.
func NewHandler(st *store.Store, view *projection.View, notifier *projection.Notifier, mgr *manager.Manager, wsHub *hub.Hub, allowedOrigins []string) *Handler {
	return &Handler{
		store:          st,
		view:           view,
		notifier:       notifier,
		manager:        mgr,
		wsHub:          wsHub,
		allowedOrigins: allowedOrigins,
	}
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the payload of the status endpoint.
type statusResponse struct {
	ConnectionStatus string `json:"connection_status"`
	FeedState        string `json:"feed_state,omitempty"`
	Retries          int    `json:"retries"`
	LastError        string `json:"last_error,omitempty"`
}

// Status reports the change-feed connection state and retry budget.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ConnectionStatus: string(h.store.ConnectionStatus()),
	}
	if err := h.store.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	if h.manager != nil {
		resp.FeedState = string(h.manager.State())
		resp.Retries = h.manager.Retries()
	}
	respondData(w, http.StatusOK, resp)
}

// ChannelMessages returns a channel's messages in display order. With
// ?backfill=true the historical window is fetched and merged first.
func (h *Handler) ChannelMessages(w http.ResponseWriter, r *http.Request) {
	channelID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "channel id must be an integer", err)
		return
	}

	if r.URL.Query().Get("backfill") == "true" {
		h.view.LoadHistory(r.Context(), channelID)
	}
	respondData(w, http.StatusOK, h.view.Messages(channelID))
}

// ChannelPreviews returns the newest message per channel with relative ages.
func (h *Handler) ChannelPreviews(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.view.LastMessagePreviews())
}

// notificationsResponse is the payload of the notifications endpoint.
type notificationsResponse struct {
	Notifications any `json:"notifications"`
	Unread        int `json:"unread"`
}

// Notifications returns the notification feed, newest first, plus the
// unread counter.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "notification feed not running", nil)
		return
	}
	respondData(w, http.StatusOK, notificationsResponse{
		Notifications: h.notifier.Notifications(),
		Unread:        h.notifier.Unread(),
	})
}

// NotificationsRead zeroes the unread counter. This is the only way the
// counter ever decreases.
func (h *Handler) NotificationsRead(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "notification feed not running", nil)
		return
	}
	h.notifier.ResetUnread()
	if h.wsHub != nil {
		h.wsHub.BroadcastUnread(0)
	}
	respondData(w, http.StatusOK, map[string]int{"unread": 0})
}

// Reconnect forces a fresh subscription attempt, resetting the retry budget.
// This is the recovery path once automatic retries are exhausted.
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "feed manager not running", nil)
		return
	}
	h.manager.Reconnect()
	respondData(w, http.StatusAccepted, map[string]string{"feed_state": string(h.manager.State())})
}

// WebSocket upgrades the connection and attaches it to the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "websocket hub not running", nil)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade error")
		return
	}

	client := hub.NewClient(h.wsHub, conn)
	h.wsHub.Register <- client
	client.Start()
}

// getUpgrader builds the websocket upgrader with origin checking.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates upgrade origins against the configured
// allow list. An empty list allows any origin.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Browsers always send Origin; only allow its absence when the
		// allow list is empty (handled above).
		logging.Warn().Msg("websocket connection rejected: missing Origin header")
		return false
	}

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("websocket connection rejected from unauthorized origin")
	return false
}
