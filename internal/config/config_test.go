package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("CALL_RING_TIMEOUT", "")
	t.Setenv("WS_SEND_BUFFER", "")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("Env = %q, want development", cfg.Env)
	}
	if cfg.CallRingTimeout != 60*time.Second {
		t.Errorf("CallRingTimeout = %v, want 60s", cfg.CallRingTimeout)
	}
	if cfg.WSSendBuffer != 64 {
		t.Errorf("WSSendBuffer = %d, want 64", cfg.WSSendBuffer)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Errorf("RateLimitPerMinute = %d, want 120", cfg.RateLimitPerMinute)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "staging")
	t.Setenv("CALL_RING_TIMEOUT", "30s")
	t.Setenv("WS_SEND_BUFFER", "128")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "0")

	cfg := Load()
	if cfg.Port != "9090" || cfg.Env != "staging" {
		t.Errorf("got %q/%q", cfg.Port, cfg.Env)
	}
	if cfg.CallRingTimeout != 30*time.Second {
		t.Errorf("CallRingTimeout = %v", cfg.CallRingTimeout)
	}
	if cfg.WSSendBuffer != 128 {
		t.Errorf("WSSendBuffer = %d", cfg.WSSendBuffer)
	}
	if cfg.RateLimitPerMinute != 0 {
		t.Errorf("RateLimitPerMinute = %d", cfg.RateLimitPerMinute)
	}
}

func TestLoadIgnoresBadValues(t *testing.T) {
	t.Setenv("CALL_RING_TIMEOUT", "soon")
	t.Setenv("WS_SEND_BUFFER", "many")

	cfg := Load()
	if cfg.CallRingTimeout != 60*time.Second {
		t.Errorf("CallRingTimeout = %v, want default", cfg.CallRingTimeout)
	}
	if cfg.WSSendBuffer != 64 {
		t.Errorf("WSSendBuffer = %d, want default", cfg.WSSendBuffer)
	}
}

func TestProductionRequiresRedis(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("REDIS_URL", "")

	defer func() {
		if recover() == nil {
			t.Error("expected panic without REDIS_URL in production")
		}
	}()
	Load()
}
