// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
)

// BreakerClient wraps a Querier with a circuit breaker so a degraded query
// backend cannot pile up blocked fetches. Historical fetches are optional
// reads (live updates keep flowing while the circuit is open), so failing
// fast here degrades gracefully.
//
// The breaker uses real time for its interval and timeout windows. Tests
// exercise trip behavior with an always-failing inner client rather than by
// mocking the breaker.
type BreakerClient struct {
	inner Querier
	cb    *gobreaker.CircuitBreaker[any]
	name  string
}

// Ensure BreakerClient implements Querier
var _ Querier = (*BreakerClient)(nil)

// NewBreakerClient wraps inner with circuit breaker protection.
// Configuration:
//   - Max 3 concurrent requests in half-open state
//   - 1 minute measurement window
//   - 30 second timeout before attempting recovery
//   - Opens after 60% failure rate with minimum 6 requests
func NewBreakerClient(inner Querier) *BreakerClient {
	cbName := "query-api"
	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 6 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("opening query circuit")
			}
			return shouldTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", stateToString(from)).Str("to", stateToString(to)).Msg("query circuit state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &BreakerClient{inner: inner, cb: cb, name: cbName}
}

// execute runs one query through the breaker.
func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logging.Warn().Err(err).Msg("query rejected by open circuit")
		}
		return nil, err
	}
	return result, nil
}

// castResult type-asserts the breaker result back to its concrete type.
func castResult[T any](result any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (b *BreakerClient) ChannelMessages(ctx context.Context, channelID int64) ([]models.Message, error) {
	return castResult[[]models.Message](b.execute(func() (any, error) {
		return b.inner.ChannelMessages(ctx, channelID)
	}))
}

func (b *BreakerClient) ClaimChannelIDs(ctx context.Context) ([]int64, error) {
	return castResult[[]int64](b.execute(func() (any, error) {
		return b.inner.ClaimChannelIDs(ctx)
	}))
}

func (b *BreakerClient) RecentClaimMessages(ctx context.Context, channelIDs []int64, excludeSenderID string, limit int) ([]models.Message, error) {
	return castResult[[]models.Message](b.execute(func() (any, error) {
		return b.inner.RecentClaimMessages(ctx, channelIDs, excludeSenderID, limit)
	}))
}

func (b *BreakerClient) Sender(ctx context.Context, senderID string) (models.Sender, error) {
	return castResult[models.Sender](b.execute(func() (any, error) {
		return b.inner.Sender(ctx, senderID)
	}))
}
