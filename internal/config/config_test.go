package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.PingPeriod != 54*time.Second || cfg.PongWait != 60*time.Second {
		t.Errorf("unexpected keepalive timings: ping=%s pong=%s", cfg.PingPeriod, cfg.PongWait)
	}
	if cfg.SendBuffer != 256 {
		t.Errorf("expected send buffer 256, got %d", cfg.SendBuffer)
	}
	if cfg.AllowQueryUserID {
		t.Error("query user id fallback must be off by default")
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("MEMBERSHIP_CACHE_TTL", "30s")
	t.Setenv("ALLOW_QUERY_USER_ID", "true")
	t.Setenv("FRONTEND_URL", "https://chat.example.edu")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.RedisURL != "redis://cache:6379/2" {
		t.Errorf("unexpected redis url %q", cfg.RedisURL)
	}
	if cfg.MembershipCache != 30*time.Second {
		t.Errorf("unexpected cache ttl %s", cfg.MembershipCache)
	}
	if !cfg.AllowQueryUserID {
		t.Error("expected query user id fallback enabled")
	}
	if cfg.AllowedOrigin != "https://chat.example.edu" {
		t.Errorf("expected FRONTEND_URL as allowed origin, got %q", cfg.AllowedOrigin)
	}
}

func TestLoad_RejectsBadKeepalive(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("PING_PERIOD", "2m")
	t.Setenv("PONG_WAIT", "1m")

	if _, err := Load(); err == nil {
		t.Error("expected an error when ping period exceeds pong wait")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
