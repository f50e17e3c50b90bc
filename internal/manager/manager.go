// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

/*
manager.go - Global Message Manager

The Manager owns the single change-feed subscription covering the whole
messages table for the lifetime of an authenticated session, and is the
only writer of the message store.

Responsibilities:
  - Initialize(): open the subscription (no-op when already initialized,
    which guards double-subscribe across multiple mount points)
  - Map provider events to store mutations (insert/update/delete)
  - Map provider statuses to the process-wide connection status
  - Own the reconnect policy: bounded exponential backoff, then terminal
  - Reconnect(): manual override that resets the retry budget
  - Destroy(): tear everything down so a later sign-in can re-initialize

Retry State Machine:

	Idle -> Connecting -> Connected
	                 \-> Retrying(attempt) -> Connecting (after backoff)
	                 \-> Failed (budget exhausted; manual reconnect only)

Reentrancy:

Status callbacks arrive on the subscription's read goroutine and can flip
rapidly (error -> retry scheduled -> error again before the timer fires).
Every subscription generation carries an epoch; callbacks and retry timers
from a stale epoch are ignored, and opening a new subscription always tears
down the previous one first, so duplicate listeners cannot accumulate.
*/
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
	"github.com/backdesk/backdesk/internal/realtime"
	"github.com/backdesk/backdesk/internal/store"
)

// State is the manager's position in the retry state machine.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRetrying   State = "retrying"
	StateFailed     State = "failed"
)

// Config holds the manager's subscription and retry knobs.
type Config struct {
	// SubscriptionName names the single process-wide subscription.
	SubscriptionName string
	// Table is the messages table the subscription covers.
	Table string
	// Filter optionally restricts rows (empty = whole table).
	Filter string
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// MaxRetries bounds consecutive error statuses tolerated before the
	// feed goes terminal. With MaxRetries=N, N-1 reconnects are attempted
	// and the N-th consecutive error stops retrying.
	MaxRetries int
}

// Manager keeps the message store consistent with the change feed.
type Manager struct {
	provider realtime.Provider
	store    *store.Store
	cfg      Config

	mu          sync.Mutex
	initialized bool
	sub         realtime.Subscription
	state       State
	retries     int
	retryTimer  *time.Timer
	// epoch invalidates callbacks and timers from torn-down subscriptions.
	epoch uint64
}

// New creates a manager. Construct exactly one per process and inject it
// where needed; the singleton discipline lives in the wiring, not in a
// package-level variable, so tests can build isolated instances.
func New(provider realtime.Provider, st *store.Store, cfg Config) *Manager {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 5
	}
	if cfg.SubscriptionName == "" {
		cfg.SubscriptionName = "global-messages"
	}
	return &Manager{
		provider: provider,
		store:    st,
		cfg:      cfg,
		state:    StateIdle,
	}
}

// Initialize opens the subscription. Calling it again while initialized is a
// no-op. A failed open is not returned as a hard error to the caller beyond
// logging: it sets the error status and enters the retry path, exactly like
// a drop after a successful open.
func (m *Manager) Initialize() {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		logging.Debug().Msg("message manager already initialized")
		return
	}
	m.initialized = true
	m.retries = 0
	m.mu.Unlock()

	logging.Info().Str("subscription", m.cfg.SubscriptionName).Str("table", m.cfg.Table).Msg("initializing message manager")
	m.setStatus(models.StatusConnecting)
	m.resubscribe()
}

// Reconnect is the manual override: it resets the retry budget and
// re-subscribes immediately, bypassing any pending backoff. It is the only
// way out of the Failed state.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.retries = 0
	m.cancelRetryLocked()
	m.mu.Unlock()

	logging.Info().Msg("manual reconnect requested")
	m.setStatus(models.StatusConnecting)
	m.resubscribe()
}

// Destroy unsubscribes, clears any pending retry, and marks the manager
// uninitialized so the next sign-in can Initialize cleanly. Must be called
// on sign-out to avoid leaking the subscription.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	m.epoch++
	m.cancelRetryLocked()
	prev := m.sub
	m.sub = nil
	m.state = StateIdle
	m.retries = 0
	m.mu.Unlock()

	if prev != nil {
		prev.OnStatus(nil)
		if err := prev.Unsubscribe(); err != nil {
			logging.Warn().Err(err).Msg("unsubscribe during destroy failed")
		}
	}
	m.provider.RemoveSubscription(m.cfg.SubscriptionName)
	m.setStatus(models.StatusDisconnected)
	logging.Info().Msg("message manager destroyed")
}

// Serve runs the manager under a supervision tree: it initializes the
// subscription, blocks until the context is cancelled, then destroys it.
func (m *Manager) Serve(ctx context.Context) error {
	m.Initialize()
	<-ctx.Done()
	m.Destroy()
	return ctx.Err()
}

// String identifies the service in supervisor logs.
func (m *Manager) String() string {
	return "message-manager"
}

// State returns the manager's retry-machine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Retries returns the consecutive-error count since the last successful
// subscribe or manual reconnect.
func (m *Manager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// resubscribe tears down any previous subscription and opens a new one.
func (m *Manager) resubscribe() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	prev := m.sub
	m.sub = nil
	m.state = StateConnecting
	m.mu.Unlock()

	// Tear down outside the lock: Unsubscribe waits for the subscription's
	// goroutines, which may be blocked delivering a (now stale) callback.
	if prev != nil {
		prev.OnStatus(nil)
		if err := prev.Unsubscribe(); err != nil {
			logging.Warn().Err(err).Msg("unsubscribe before resubscribe failed")
		}
	}

	sub, err := m.provider.Subscribe(m.cfg.SubscriptionName, m.cfg.Table, m.cfg.Filter, m.handleEvent)
	if err != nil {
		logging.Error().Err(err).Msg("subscribe failed")
		m.store.SetError(err)
		m.setStatus(models.StatusError)
		m.scheduleRetry(epoch, err)
		return
	}
	sub.OnStatus(func(status realtime.Status, err error) {
		m.handleStatus(epoch, status, err)
	})

	m.mu.Lock()
	if !m.initialized || epoch != m.epoch {
		// Destroy or another resubscribe won the race.
		m.mu.Unlock()
		sub.OnStatus(nil)
		_ = sub.Unsubscribe()
		return
	}
	m.sub = sub
	m.mu.Unlock()
}

// handleEvent maps one provider row event to a store mutation. A panic in
// the mapping of one event must not stop the feed.
func (m *Manager) handleEvent(event realtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.FeedEventsDropped.Inc()
			logging.Error().Interface("panic", r).Msg("event processing panicked; feed continues")
		}
	}()

	switch event.Type {
	case realtime.EventInsert:
		m.store.AddMessage(event.Message)
	case realtime.EventUpdate:
		m.store.UpdateMessage(event.Message)
	case realtime.EventDelete:
		m.store.DeleteMessage(event.OldID, event.OldChannelID)
	default:
		metrics.FeedEventsDropped.Inc()
		logging.Warn().Str("type", string(event.Type)).Msg("unknown event type ignored")
		return
	}
	metrics.FeedEventsProcessed.WithLabelValues(string(event.Type)).Inc()
}

// handleStatus maps one provider status transition. Stale-epoch callbacks
// are dropped.
func (m *Manager) handleStatus(epoch uint64, status realtime.Status, err error) {
	m.mu.Lock()
	if !m.initialized || epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	switch status {
	case realtime.StatusSubscribed:
		m.state = StateConnected
		m.retries = 0
		m.cancelRetryLocked()
		m.mu.Unlock()
		m.store.SetError(nil)
		m.setStatus(models.StatusConnected)
		logging.Info().Msg("change feed subscribed")

	case realtime.StatusClosed:
		// Intentional close is not a fault: no retry, no error state.
		m.sub = nil
		m.state = StateIdle
		m.mu.Unlock()
		m.setStatus(models.StatusDisconnected)
		logging.Info().Msg("change feed closed")

	case realtime.StatusChannelError, realtime.StatusTimedOut:
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("change feed reported %s", status)
		}
		logging.Warn().Err(err).Str("status", string(status)).Msg("change feed error")
		m.store.SetError(err)
		m.setStatus(models.StatusError)
		m.scheduleRetry(epoch, err)

	default:
		m.mu.Unlock()
		logging.Warn().Str("status", string(status)).Msg("unknown provider status ignored")
	}
}

// scheduleRetry arms the backoff timer for the next reconnect attempt, or
// goes terminal once the budget is exhausted. Terminal failure is
// user-visible: the status stays at error until a manual Reconnect.
func (m *Manager) scheduleRetry(epoch uint64, cause error) {
	m.mu.Lock()
	if !m.initialized || epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	// Collapse rapid error flips into a single pending attempt.
	m.cancelRetryLocked()

	if m.retries+1 >= m.cfg.MaxRetries {
		m.state = StateFailed
		m.mu.Unlock()
		metrics.ReconnectExhausted.Inc()
		terminal := fmt.Errorf("change feed failed after %d attempts, manual reconnect required: %w", m.cfg.MaxRetries, cause)
		logging.Error().Err(cause).Int("max_retries", m.cfg.MaxRetries).Msg("retry budget exhausted; awaiting manual reconnect")
		m.store.SetError(terminal)
		m.setStatus(models.StatusError)
		return
	}

	m.retries++
	attempt := m.retries
	delay := m.cfg.RetryBaseDelay << (attempt - 1)
	m.state = StateRetrying

	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if !m.initialized || epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		m.retryTimer = nil
		m.mu.Unlock()

		metrics.ReconnectAttempts.Inc()
		m.setStatus(models.StatusConnecting)
		m.resubscribe()
	})
	m.mu.Unlock()

	logging.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// cancelRetryLocked stops a pending retry timer. Caller must hold m.mu.
func (m *Manager) cancelRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// setStatus writes the store status and mirrors it into the metrics gauge.
func (m *Manager) setStatus(status models.ConnectionStatus) {
	m.store.SetConnectionStatus(status)
	metrics.ConnectionStatus.Set(metrics.StatusValue(string(status)))
}
