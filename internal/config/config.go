// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package config defines and loads the Backdesk realtime core configuration.
//
// Configuration is layered with clear precedence: environment variables
// override the optional YAML config file, which overrides built-in defaults.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config is the root configuration for the realtime core.
type Config struct {
	Realtime      RealtimeConfig      `koanf:"realtime"`
	Query         QueryConfig         `koanf:"query"`
	Auth          AuthConfig          `koanf:"auth"`
	Session       SessionConfig       `koanf:"session"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Persist       PersistConfig       `koanf:"persist"`
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// RealtimeConfig configures the change-feed subscription.
type RealtimeConfig struct {
	// URL is the websocket endpoint of the hosted realtime provider.
	URL string `koanf:"url"`
	// APIKey authenticates the subscription.
	APIKey string `koanf:"api_key"`
	// Table is the table the single process-wide subscription covers.
	Table string `koanf:"table"`
	// SubscriptionName names the subscription towards the provider.
	SubscriptionName string `koanf:"subscription_name"`
	// RetryBaseDelay is the first reconnect delay; it doubles per attempt.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	// MaxRetries bounds automatic reconnect attempts. Once exhausted the
	// connection stays in the error state until a manual reconnect.
	MaxRetries int `koanf:"max_retries"`
	// HeartbeatInterval is the provider keep-alive cadence.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// QueryConfig configures the historical query client (REST over the hosted
// Postgres, PostgREST-style).
type QueryConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
	// BreakerEnabled wraps fetches in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// AuthConfig configures the auth contract client.
type AuthConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
	// RefreshToken is the long-lived token the deployment was provisioned
	// with. Empty starts the process signed out.
	RefreshToken string `koanf:"refresh_token"`
	// StaffSenderID is the well-known sender id for staff/admin authored
	// messages; the notification feed excludes it.
	StaffSenderID string `koanf:"staff_sender_id"`
}

// SessionConfig configures the inactivity and session-age guards.
type SessionConfig struct {
	// Preset selects a named knob set: relaxed, standard, strict, enterprise.
	// An empty preset uses the explicit values below.
	Preset string `koanf:"preset"`
	// InactivityTimeout forces sign-out after this much user inactivity.
	InactivityTimeout time.Duration `koanf:"inactivity_timeout"`
	// InactivityCheckInterval is the polling cadence of the inactivity guard.
	InactivityCheckInterval time.Duration `koanf:"inactivity_check_interval"`
	// MaxSessionAge forces sign-out once the session is older than this,
	// regardless of activity.
	MaxSessionAge time.Duration `koanf:"max_session_age"`
	// SessionCheckInterval is the polling cadence of the session-age guard.
	SessionCheckInterval time.Duration `koanf:"session_check_interval"`
	// RefreshWindow triggers a proactive token refresh when expiry is near.
	RefreshWindow time.Duration `koanf:"refresh_window"`
}

// NotificationsConfig configures the claim-channel notification feed.
type NotificationsConfig struct {
	// HistoryLimit bounds the initial historical window of notifications.
	HistoryLimit int `koanf:"history_limit"`
	// ClaimCacheTTL bounds how long the claim-channel id set is reused
	// before it is re-fetched.
	ClaimCacheTTL time.Duration `koanf:"claim_cache_ttl"`
}

// PersistConfig configures the shared key-value store backing the session
// guard timestamps.
type PersistConfig struct {
	// Path is the BadgerDB directory. Empty selects the in-memory store
	// (state then does not survive restarts).
	Path string `koanf:"path"`
}

// ServerConfig configures the read-only HTTP surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
	// AllowedOrigins lists origins accepted for CORS and websocket
	// upgrades. Empty allows any origin (development mode).
	AllowedOrigins []string `koanf:"allowed_origins"`
	// RateLimit is the per-IP request budget per minute. Zero disables
	// rate limiting.
	RateLimit int `koanf:"rate_limit"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:               "",
			APIKey:            "",
			Table:             "messages",
			SubscriptionName:  "global-messages",
			RetryBaseDelay:    2 * time.Second,
			MaxRetries:        5,
			HeartbeatInterval: 30 * time.Second,
		},
		Query: QueryConfig{
			BaseURL:        "",
			APIKey:         "",
			Timeout:        15 * time.Second,
			BreakerEnabled: true,
		},
		Auth: AuthConfig{
			BaseURL:       "",
			APIKey:        "",
			Timeout:       10 * time.Second,
			StaffSenderID: "",
		},
		Session: SessionConfig{
			Preset:                  "",
			InactivityTimeout:       30 * time.Minute,
			InactivityCheckInterval: time.Minute,
			MaxSessionAge:           8 * time.Hour,
			SessionCheckInterval:    5 * time.Minute,
			RefreshWindow:           5 * time.Minute,
		},
		Notifications: NotificationsConfig{
			HistoryLimit:  50,
			ClaimCacheTTL: 5 * time.Minute,
		},
		Persist: PersistConfig{
			Path: "/data/backdesk/state",
		},
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8094,
			Timeout:   30 * time.Second,
			RateLimit: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Realtime.URL != "" {
		if _, err := url.Parse(c.Realtime.URL); err != nil {
			return fmt.Errorf("realtime.url is not a valid URL: %w", err)
		}
	}
	if c.Realtime.RetryBaseDelay <= 0 {
		return fmt.Errorf("realtime.retry_base_delay must be positive, got %s", c.Realtime.RetryBaseDelay)
	}
	if c.Realtime.MaxRetries < 1 {
		return fmt.Errorf("realtime.max_retries must be at least 1, got %d", c.Realtime.MaxRetries)
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be positive, got %s", c.Realtime.HeartbeatInterval)
	}
	if c.Session.InactivityTimeout <= 0 {
		return fmt.Errorf("session.inactivity_timeout must be positive, got %s", c.Session.InactivityTimeout)
	}
	if c.Session.InactivityCheckInterval <= 0 {
		return fmt.Errorf("session.inactivity_check_interval must be positive, got %s", c.Session.InactivityCheckInterval)
	}
	if c.Session.MaxSessionAge <= 0 {
		return fmt.Errorf("session.max_session_age must be positive, got %s", c.Session.MaxSessionAge)
	}
	if c.Session.SessionCheckInterval <= 0 {
		return fmt.Errorf("session.session_check_interval must be positive, got %s", c.Session.SessionCheckInterval)
	}
	if c.Notifications.HistoryLimit < 1 {
		return fmt.Errorf("notifications.history_limit must be at least 1, got %d", c.Notifications.HistoryLimit)
	}
	if c.Notifications.ClaimCacheTTL <= 0 {
		return fmt.Errorf("notifications.claim_cache_ttl must be positive, got %s", c.Notifications.ClaimCacheTTL)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Session.Preset != "" {
		if _, err := SessionPreset(c.Session.Preset); err != nil {
			return err
		}
	}
	return nil
}

// PresetKnobs are the three numeric knobs a named security preset maps to.
// Presets carry no behavior beyond this mapping.
type PresetKnobs struct {
	InactivityTimeout time.Duration
	MaxSessionAge     time.Duration
	CheckInterval     time.Duration
}

// SessionPreset maps a named security preset to its knob values.
func SessionPreset(name string) (PresetKnobs, error) {
	switch name {
	case "relaxed":
		return PresetKnobs{InactivityTimeout: 60 * time.Minute, MaxSessionAge: 12 * time.Hour, CheckInterval: 2 * time.Minute}, nil
	case "standard":
		return PresetKnobs{InactivityTimeout: 30 * time.Minute, MaxSessionAge: 8 * time.Hour, CheckInterval: time.Minute}, nil
	case "strict":
		return PresetKnobs{InactivityTimeout: 15 * time.Minute, MaxSessionAge: 4 * time.Hour, CheckInterval: 30 * time.Second}, nil
	case "enterprise":
		return PresetKnobs{InactivityTimeout: 10 * time.Minute, MaxSessionAge: 2 * time.Hour, CheckInterval: 30 * time.Second}, nil
	default:
		return PresetKnobs{}, fmt.Errorf("unknown session preset %q (want relaxed, standard, strict, or enterprise)", name)
	}
}

// ApplyPreset overwrites the explicit session knobs with the named preset's
// values. No-op when no preset is configured.
func (c *Config) ApplyPreset() error {
	if c.Session.Preset == "" {
		return nil
	}
	knobs, err := SessionPreset(c.Session.Preset)
	if err != nil {
		return err
	}
	c.Session.InactivityTimeout = knobs.InactivityTimeout
	c.Session.MaxSessionAge = knobs.MaxSessionAge
	c.Session.InactivityCheckInterval = knobs.CheckInterval
	return nil
}
