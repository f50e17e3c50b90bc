// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
client.go - Change-Feed WebSocket Client

This file implements the websocket client for the hosted database's realtime
layer. One Subscribe call maps to one websocket connection carrying one
channel join; the manager holds at most one subscription at a time.

Wire protocol (phoenix-channel style):
  - client -> server: {"topic":"realtime:<table>","event":"phx_join",...}
  - server -> client: {"event":"phx_reply","payload":{"status":"ok"}}
  - server -> client: {"event":"postgres_changes","payload":{"data":{...}}}
  - both directions:  heartbeat frames on the "phoenix" topic
*/

package realtime

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/models"
)

// frame is the provider's wire envelope.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Wire event names.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
)

// joinPayload configures the server-side subscription on join.
type joinPayload struct {
	Config struct {
		PostgresChanges []postgresChange `json:"postgres_changes"`
	} `json:"config"`
}

type postgresChange struct {
	Event  string `json:"event"` // "*" = insert, update, and delete
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// replyPayload is the payload of a phx_reply frame.
type replyPayload struct {
	Status string `json:"status"`
}

// changePayload is the payload of a postgres_changes frame.
type changePayload struct {
	Data changeData `json:"data"`
}

type changeData struct {
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Client dials the realtime provider and opens subscriptions.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewClient creates a websocket change-feed client.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: true,
		},
		subs: make(map[string]*subscription),
	}
}

// Subscribe opens a named subscription on table. A previous subscription
// with the same name is torn down first so duplicate listeners cannot
// accumulate across re-subscribes.
func (c *Client) Subscribe(name, table, filter string, onEvent EventHandler) (Subscription, error) {
	c.RemoveSubscription(name)

	wsURL, err := c.endpointURL()
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("failed to close handshake response body")
		}
	}

	sub := &subscription{
		name:      name,
		topic:     "realtime:" + table,
		conn:      conn,
		onEvent:   onEvent,
		heartbeat: c.opts.HeartbeatInterval,
		stopChan:  make(chan struct{}),
	}

	if err := sub.join(table, filter); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join %s: %w", sub.topic, err)
	}

	c.mu.Lock()
	c.subs[name] = sub
	c.mu.Unlock()

	sub.wg.Add(2)
	go sub.listen()
	go sub.heartbeatLoop()

	logging.Info().Str("subscription", name).Str("table", table).Msg("change-feed subscription opened")
	return sub, nil
}

// RemoveSubscription tears down a named subscription if it exists.
func (c *Client) RemoveSubscription(name string) {
	c.mu.Lock()
	sub, ok := c.subs[name]
	delete(c.subs, name)
	c.mu.Unlock()

	if ok {
		if err := sub.Unsubscribe(); err != nil {
			logging.Warn().Err(err).Str("subscription", name).Msg("failed to remove subscription")
		}
	}
}

// endpointURL appends the apikey query parameter to the configured URL.
func (c *Client) endpointURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime URL %q: %w", c.opts.URL, err)
	}
	q := u.Query()
	if c.opts.APIKey != "" {
		q.Set("apikey", c.opts.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// subscription is one live channel join on one websocket connection.
type subscription struct {
	name  string
	topic string

	conn    *websocket.Conn
	writeMu sync.Mutex

	onEvent EventHandler

	statusMu sync.RWMutex
	onStatus StatusHandler

	heartbeat time.Duration
	// hbPending is 1 while a heartbeat awaits its ack.
	hbPending atomic.Bool

	refCounter atomic.Int64
	joinRef    string

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// OnStatus registers the status callback.
func (s *subscription) OnStatus(cb StatusHandler) {
	s.statusMu.Lock()
	s.onStatus = cb
	s.statusMu.Unlock()
}

// reportStatus invokes the registered status callback, if any.
func (s *subscription) reportStatus(status Status, err error) {
	s.statusMu.RLock()
	cb := s.onStatus
	s.statusMu.RUnlock()
	if cb != nil {
		cb(status, err)
	}
}

// join sends the channel join frame configuring the row filter.
func (s *subscription) join(table, filter string) error {
	var payload joinPayload
	payload.Config.PostgresChanges = []postgresChange{{
		Event:  "*",
		Schema: "public",
		Table:  table,
		Filter: filter,
	}}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal join payload: %w", err)
	}

	s.joinRef = s.nextRef()
	return s.writeFrame(frame{
		Topic:   s.topic,
		Event:   eventJoin,
		Payload: raw,
		Ref:     s.joinRef,
	})
}

func (s *subscription) nextRef() string {
	return strconv.FormatInt(s.refCounter.Add(1), 10)
}

// writeFrame marshals with goccy and writes a text frame directly; the
// gorilla WriteJSON helper is avoided because it would re-encode the goccy
// RawMessage payload through encoding/json.
func (s *subscription) writeFrame(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// listen reads frames until the connection fails or the subscription stops.
func (s *subscription) listen() {
	defer s.wg.Done()

	for {
		// Read deadline covers two heartbeat intervals so a healthy
		// connection never trips it.
		if err := s.conn.SetReadDeadline(time.Now().Add(2 * s.heartbeat)); err != nil {
			logging.Warn().Err(err).Msg("failed to set read deadline")
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				// Intentional close, CLOSED already reported.
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Str("subscription", s.name).Msg("change feed closed by server")
				s.reportStatus(StatusClosed, nil)
			} else {
				s.reportStatus(StatusChannelError, fmt.Errorf("change feed read: %w", err))
			}
			s.closeConn()
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logging.Warn().Err(err).Msg("malformed frame; skipping")
			continue
		}
		s.handleFrame(f)
	}
}

// handleFrame dispatches one wire frame. Event decoding failures are caught
// per frame so one malformed payload cannot stop the feed.
func (s *subscription) handleFrame(f frame) {
	switch f.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			logging.Warn().Err(err).Msg("malformed reply payload")
			return
		}
		switch {
		case f.Topic == heartbeatTopic:
			s.hbPending.Store(false)
		case f.Ref == s.joinRef && reply.Status == "ok":
			s.reportStatus(StatusSubscribed, nil)
		case f.Ref == s.joinRef:
			s.reportStatus(StatusChannelError, fmt.Errorf("join rejected: %s", reply.Status))
		}

	case eventChanges:
		s.handleChange(f.Payload)

	case eventError:
		s.reportStatus(StatusChannelError, fmt.Errorf("channel error on %s", f.Topic))

	case eventClose:
		s.reportStatus(StatusClosed, nil)

	default:
		logging.Debug().Str("event", f.Event).Msg("ignoring unknown frame event")
	}
}

// handleChange decodes and delivers one row event.
func (s *subscription) handleChange(payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("event handler panicked; continuing feed")
		}
	}()

	var change changePayload
	if err := json.Unmarshal(payload, &change); err != nil {
		logging.Warn().Err(err).Msg("malformed change payload; skipping event")
		return
	}

	event := Event{Type: EventType(change.Data.Type)}
	switch event.Type {
	case EventInsert, EventUpdate:
		var msg models.Message
		if err := json.Unmarshal(change.Data.Record, &msg); err != nil {
			logging.Warn().Err(err).Str("type", change.Data.Type).Msg("malformed record; skipping event")
			return
		}
		event.Message = msg
	case EventDelete:
		var old struct {
			ID        int64 `json:"id"`
			ChannelID int64 `json:"channel_id"`
		}
		if err := json.Unmarshal(change.Data.OldRecord, &old); err != nil {
			logging.Warn().Err(err).Msg("malformed old record; skipping delete event")
			return
		}
		event.OldID = old.ID
		event.OldChannelID = old.ChannelID
	default:
		logging.Warn().Str("type", change.Data.Type).Msg("unknown change type; skipping event")
		return
	}

	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// heartbeatLoop sends keep-alives and reports TIMED_OUT when an ack is
// missed for a full interval.
func (s *subscription) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if s.hbPending.Load() {
				s.reportStatus(StatusTimedOut, fmt.Errorf("heartbeat unacknowledged after %s", s.heartbeat))
				s.closeConn()
				return
			}
			s.hbPending.Store(true)
			err := s.writeFrame(frame{
				Topic: heartbeatTopic,
				Event: eventHeartbeat,
				Ref:   s.nextRef(),
			})
			if err != nil {
				s.reportStatus(StatusChannelError, fmt.Errorf("heartbeat write: %w", err))
				s.closeConn()
				return
			}
		}
	}
}

// closeConn closes the underlying connection and stops both goroutines.
func (s *subscription) closeConn() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	_ = s.conn.Close()
}

// Unsubscribe leaves the channel and closes the connection. Reports CLOSED.
func (s *subscription) Unsubscribe() error {
	var alreadyStopped bool
	select {
	case <-s.stopChan:
		alreadyStopped = true
	default:
	}

	if !alreadyStopped {
		// Best effort: the connection may already be gone.
		_ = s.writeFrame(frame{Topic: s.topic, Event: eventLeave, Ref: s.nextRef()})
		s.reportStatus(StatusClosed, nil)
	}

	s.closeConn()
	s.wg.Wait()
	return nil
}
