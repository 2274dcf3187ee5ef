package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	UpstreamProviderWebSocket   = "websocket"
	UpstreamProviderCloudSpeech = "cloudspeech"
)

type Config struct {
	Env        string
	ListenAddr string
	RelayPath  string

	UpstreamProvider       string
	UpstreamURL            string
	UpstreamAPIKey         string
	UpstreamAuthScheme     string
	DefaultLanguage        string
	DefaultModel           string
	DefaultEncoding        string
	DefaultSampleRateHertz int
	DefaultChannels        int

	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string

	RateLimitWindow      time.Duration
	RateLimitMaxMessages int
	MaxBufferBytes       int
	MaxConsecutiveEmpty  int
	MaxPendingMessages   int

	UpstreamConnectTimeout    time.Duration
	UpstreamInactivityTimeout time.Duration
	UpstreamKeepAliveInterval time.Duration
	SessionIdleTimeout        time.Duration
	TranscriptEventMaxAge     time.Duration
	SweepInterval             time.Duration

	DatabaseURL          string
	TranscriptTimezone   string
	TranscriptWebhookURL string
}

func (c *Config) Validate() error {
	switch c.UpstreamProvider {
	case UpstreamProviderWebSocket:
		if c.UpstreamURL == "" {
			return fmt.Errorf("UPSTREAM_URL is required when UPSTREAM_PROVIDER=%s", UpstreamProviderWebSocket)
		}
		if _, err := url.Parse(c.UpstreamURL); err != nil {
			return fmt.Errorf("UPSTREAM_URL is invalid: %w", err)
		}
		if c.UpstreamAPIKey == "" {
			return fmt.Errorf("UPSTREAM_API_KEY is required when UPSTREAM_PROVIDER=%s", UpstreamProviderWebSocket)
		}
	case UpstreamProviderCloudSpeech:
		for _, req := range c.cloudSpeechFieldChecks() {
			if req.value == "" {
				return fmt.Errorf("%s is required when UPSTREAM_PROVIDER=%s", req.name, UpstreamProviderCloudSpeech)
			}
		}
	default:
		return fmt.Errorf("UPSTREAM_PROVIDER must be %q or %q, got %q", UpstreamProviderWebSocket, UpstreamProviderCloudSpeech, c.UpstreamProvider)
	}
	for _, d := range c.positiveDurationChecks() {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	for _, n := range c.positiveIntChecks() {
		if n.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", n.name, n.value)
		}
	}
	if c.TranscriptTimezone != "" {
		if _, err := time.LoadLocation(c.TranscriptTimezone); err != nil {
			return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
		}
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) cloudSpeechFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "GOOGLE_CLOUD_PROJECT_ID", value: c.GoogleCloudProjectID},
		{name: "GOOGLE_CLOUD_CREDENTIALS_JSON", value: c.GoogleCloudCredentialsJSON},
		{name: "GOOGLE_CLOUD_SPEECH_LOCATION", value: c.GoogleCloudSpeechLocation},
	}
}

type durationField struct {
	name  string
	value time.Duration
}

func (c *Config) positiveDurationChecks() []durationField {
	return []durationField{
		{name: "RATE_LIMIT_WINDOW", value: c.RateLimitWindow},
		{name: "UPSTREAM_CONNECT_TIMEOUT", value: c.UpstreamConnectTimeout},
		{name: "UPSTREAM_INACTIVITY_TIMEOUT", value: c.UpstreamInactivityTimeout},
		{name: "UPSTREAM_KEEPALIVE_INTERVAL", value: c.UpstreamKeepAliveInterval},
		{name: "SESSION_IDLE_TIMEOUT", value: c.SessionIdleTimeout},
		{name: "TRANSCRIPT_EVENT_MAX_AGE", value: c.TranscriptEventMaxAge},
		{name: "SWEEP_INTERVAL", value: c.SweepInterval},
	}
}

type intField struct {
	name  string
	value int
}

func (c *Config) positiveIntChecks() []intField {
	return []intField{
		{name: "RATE_LIMIT_MAX_MESSAGES", value: c.RateLimitMaxMessages},
		{name: "MAX_BUFFER_BYTES", value: c.MaxBufferBytes},
		{name: "MAX_CONSECUTIVE_EMPTY", value: c.MaxConsecutiveEmpty},
		{name: "MAX_PENDING_MESSAGES", value: c.MaxPendingMessages},
		{name: "DEFAULT_SAMPLE_RATE_HERTZ", value: c.DefaultSampleRateHertz},
		{name: "DEFAULT_CHANNELS", value: c.DefaultChannels},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) TranscriptLocation() *time.Location {
	if c.TranscriptTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TranscriptTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ClientConfig configures the relay-client binary.
type ClientConfig struct {
	Env      string
	RelayURL string
	Token    string
	Language string
	Model    string

	KeepAliveInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	CaptureSampleRateHertz int
	CaptureFramesPerBuffer int
	TargetSampleRateHertz  int
	Encoding               string
}

func (c *ClientConfig) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("RELAY_URL is required")
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("RELAY_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("RELAY_URL must use ws or wss, got %q", u.Scheme)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("CLIENT_KEEPALIVE_INTERVAL must be positive, got %s", c.KeepAliveInterval)
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive and not exceed RECONNECT_MAX_DELAY")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.ReconnectMaxAttempts)
	}
	if c.CaptureSampleRateHertz <= 0 || c.TargetSampleRateHertz <= 0 || c.CaptureFramesPerBuffer <= 0 {
		return fmt.Errorf("capture sample rates and frames per buffer must be positive")
	}
	switch c.Encoding {
	case "linear16", "opus":
	default:
		return fmt.Errorf("ENCODING must be linear16 or opus, got %q", c.Encoding)
	}
	return nil
}

func (c *ClientConfig) IsDevelopment() bool {
	return c.Env == "development"
}
