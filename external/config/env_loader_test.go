package config

import (
	"testing"
	"time"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UPSTREAM_URL", "wss://stt.example.com/v1/listen")
	t.Setenv("UPSTREAM_API_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UpstreamProvider != "websocket" || cfg.ListenAddr != ":8080" || cfg.RelayPath != "/v1/transcribe" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RateLimitWindow != time.Second || cfg.RateLimitMaxMessages != 60 || cfg.MaxBufferBytes != 1<<20 {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg)
	}
	if cfg.MaxConsecutiveEmpty != 10 || cfg.MaxPendingMessages != 600 {
		t.Fatalf("unexpected buffer defaults: %+v", cfg)
	}
	if cfg.UpstreamInactivityTimeout != 2*time.Minute || cfg.SessionIdleTimeout != 5*time.Minute || cfg.TranscriptEventMaxAge != time.Minute {
		t.Fatalf("unexpected timeout defaults: %+v", cfg)
	}
}

func TestLoad_RejectsInvalidDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UPSTREAM_URL", "wss://stt.example.com/v1/listen")
	t.Setenv("UPSTREAM_API_KEY", "secret")
	t.Setenv("RATE_LIMIT_WINDOW", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_MissingAPIKeyFails(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UPSTREAM_URL", "wss://stt.example.com/v1/listen")
	t.Setenv("UPSTREAM_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadClient_AppliesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAY_URL", "ws://relay.local:8080/v1/transcribe")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReconnectBaseDelay != time.Second || cfg.ReconnectMaxDelay != 30*time.Second || cfg.KeepAliveInterval != 30*time.Second {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg)
	}
	if cfg.Encoding != "linear16" || cfg.TargetSampleRateHertz != 16000 {
		t.Fatalf("unexpected capture defaults: %+v", cfg)
	}
}
