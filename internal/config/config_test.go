// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestDefaultConfig_SpecValues(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Realtime.RetryBaseDelay != 2*time.Second {
		t.Errorf("retry base delay: got %s, want 2s", cfg.Realtime.RetryBaseDelay)
	}
	if cfg.Realtime.MaxRetries != 5 {
		t.Errorf("max retries: got %d, want 5", cfg.Realtime.MaxRetries)
	}
	if cfg.Session.InactivityTimeout != 30*time.Minute {
		t.Errorf("inactivity timeout: got %s, want 30m", cfg.Session.InactivityTimeout)
	}
	if cfg.Session.MaxSessionAge != 8*time.Hour {
		t.Errorf("max session age: got %s, want 8h", cfg.Session.MaxSessionAge)
	}
	if cfg.Session.SessionCheckInterval != 5*time.Minute {
		t.Errorf("session check interval: got %s, want 5m", cfg.Session.SessionCheckInterval)
	}
	if cfg.Notifications.HistoryLimit != 50 {
		t.Errorf("history limit: got %d, want 50", cfg.Notifications.HistoryLimit)
	}
	if cfg.Notifications.ClaimCacheTTL != 5*time.Minute {
		t.Errorf("claim cache ttl: got %s, want 5m", cfg.Notifications.ClaimCacheTTL)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retry delay", func(c *Config) { c.Realtime.RetryBaseDelay = 0 }},
		{"zero max retries", func(c *Config) { c.Realtime.MaxRetries = 0 }},
		{"negative inactivity timeout", func(c *Config) { c.Session.InactivityTimeout = -time.Minute }},
		{"zero session age", func(c *Config) { c.Session.MaxSessionAge = 0 }},
		{"zero history limit", func(c *Config) { c.Notifications.HistoryLimit = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown preset", func(c *Config) { c.Session.Preset = "paranoid" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestSessionPreset(t *testing.T) {
	tests := []struct {
		name           string
		wantInactivity time.Duration
		wantMaxAge     time.Duration
	}{
		{"relaxed", 60 * time.Minute, 12 * time.Hour},
		{"standard", 30 * time.Minute, 8 * time.Hour},
		{"strict", 15 * time.Minute, 4 * time.Hour},
		{"enterprise", 10 * time.Minute, 2 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			knobs, err := SessionPreset(tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if knobs.InactivityTimeout != tt.wantInactivity {
				t.Errorf("inactivity: got %s, want %s", knobs.InactivityTimeout, tt.wantInactivity)
			}
			if knobs.MaxSessionAge != tt.wantMaxAge {
				t.Errorf("max age: got %s, want %s", knobs.MaxSessionAge, tt.wantMaxAge)
			}
		})
	}

	if _, err := SessionPreset("nope"); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestApplyPreset_OverridesKnobs(t *testing.T) {
	cfg := defaultConfig()
	cfg.Session.Preset = "strict"

	if err := cfg.ApplyPreset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.InactivityTimeout != 15*time.Minute {
		t.Errorf("inactivity: got %s, want 15m", cfg.Session.InactivityTimeout)
	}
	if cfg.Session.MaxSessionAge != 4*time.Hour {
		t.Errorf("max age: got %s, want 4h", cfg.Session.MaxSessionAge)
	}
	if cfg.Session.InactivityCheckInterval != 30*time.Second {
		t.Errorf("check interval: got %s, want 30s", cfg.Session.InactivityCheckInterval)
	}
}

func TestApplyPreset_EmptyIsNoop(t *testing.T) {
	cfg := defaultConfig()
	before := cfg.Session
	if err := cfg.ApplyPreset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session != before {
		t.Error("empty preset should not change session knobs")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BACKDESK_REALTIME_MAX_RETRIES", "3")
	t.Setenv("BACKDESK_SESSION_INACTIVITY_TIMEOUT", "10m")
	t.Setenv("BACKDESK_LOGGING_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Realtime.MaxRetries != 3 {
		t.Errorf("max retries: got %d, want 3", cfg.Realtime.MaxRetries)
	}
	if cfg.Session.InactivityTimeout != 10*time.Minute {
		t.Errorf("inactivity timeout: got %s, want 10m", cfg.Session.InactivityTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level: got %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: 9999\nsession:\n  preset: relaxed\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port: got %d, want 9999", cfg.Server.Port)
	}
	// Preset applies on load.
	if cfg.Session.InactivityTimeout != 60*time.Minute {
		t.Errorf("inactivity timeout: got %s, want 60m (relaxed preset)", cfg.Session.InactivityTimeout)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BACKDESK_REALTIME_URL", "realtime.url"},
		{"BACKDESK_REALTIME_RETRY_BASE_DELAY", "realtime.retry_base_delay"},
		{"BACKDESK_SESSION_MAX_SESSION_AGE", "session.max_session_age"},
		{"BACKDESK_NOTIFICATIONS_HISTORY_LIMIT", "notifications.history_limit"},
		{"BACKDESK_UNKNOWN_THING", "unknown_thing"},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
