package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env:                       "development",
		ListenAddr:                ":8080",
		RelayPath:                 "/v1/transcribe",
		UpstreamProvider:          UpstreamProviderWebSocket,
		UpstreamURL:               "wss://stt.example.com/v1/listen",
		UpstreamAPIKey:            "key",
		DefaultLanguage:           "ja",
		DefaultEncoding:           "linear16",
		DefaultSampleRateHertz:    16000,
		DefaultChannels:           1,
		RateLimitWindow:           time.Second,
		RateLimitMaxMessages:      60,
		MaxBufferBytes:            1 << 20,
		MaxConsecutiveEmpty:       10,
		MaxPendingMessages:        600,
		UpstreamConnectTimeout:    30 * time.Second,
		UpstreamInactivityTimeout: 2 * time.Minute,
		UpstreamKeepAliveInterval: 10 * time.Second,
		SessionIdleTimeout:        5 * time.Minute,
		TranscriptEventMaxAge:     time.Minute,
		SweepInterval:             30 * time.Second,
		TranscriptTimezone:        "Asia/Tokyo",
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_MissingUpstreamAPIKey(t *testing.T) {
	cfg := validConfig()
	cfg.UpstreamAPIKey = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when upstream api key is missing")
	}
}

func TestValidate_CloudSpeechRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.UpstreamProvider = UpstreamProviderCloudSpeech
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when cloud speech credentials are missing")
	}
	cfg.GoogleCloudProjectID = "project-id"
	cfg.GoogleCloudCredentialsJSON = `{"type":"service_account"}`
	cfg.GoogleCloudSpeechLocation = "asia-northeast1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.UpstreamProvider = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestValidate_NonPositiveTunables(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimitMaxMessages = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive rate limit")
	}
	cfg = validConfig()
	cfg.UpstreamInactivityTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive inactivity timeout")
	}
}

func TestValidate_InvalidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.TranscriptTimezone = "Mars/Olympus_Mons"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development mode")
	}
	cfg.Env = "production"
	if cfg.IsDevelopment() {
		t.Fatal("expected non-development mode")
	}
}

func TestClientConfigValidate(t *testing.T) {
	cfg := &ClientConfig{
		RelayURL:               "ws://localhost:8080/v1/transcribe",
		KeepAliveInterval:      30 * time.Second,
		ReconnectBaseDelay:     time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectMaxAttempts:   5,
		CaptureSampleRateHertz: 48000,
		CaptureFramesPerBuffer: 960,
		TargetSampleRateHertz:  16000,
		Encoding:               "linear16",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	cfg.RelayURL = "http://localhost:8080"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-websocket relay url")
	}
}
