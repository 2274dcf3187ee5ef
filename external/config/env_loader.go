package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/koe-relay/internal/config"
	"github.com/joho/godotenv"
)

type envConfig struct {
	Env        string `env:"ENV" envDefault:"production"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	RelayPath  string `env:"RELAY_PATH" envDefault:"/v1/transcribe"`

	UpstreamProvider       string `env:"UPSTREAM_PROVIDER" envDefault:"websocket"`
	UpstreamURL            string `env:"UPSTREAM_URL"`
	UpstreamAPIKey         string `env:"UPSTREAM_API_KEY"`
	UpstreamAuthScheme     string `env:"UPSTREAM_AUTH_SCHEME" envDefault:"Token"`
	DefaultLanguage        string `env:"DEFAULT_LANGUAGE" envDefault:"en-US"`
	DefaultModel           string `env:"DEFAULT_MODEL"`
	DefaultEncoding        string `env:"DEFAULT_ENCODING" envDefault:"linear16"`
	DefaultSampleRateHertz int    `env:"DEFAULT_SAMPLE_RATE_HERTZ" envDefault:"16000"`
	DefaultChannels        int    `env:"DEFAULT_CHANNELS" envDefault:"1"`

	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"global"`

	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`
	RateLimitMaxMessages int           `env:"RATE_LIMIT_MAX_MESSAGES" envDefault:"60"`
	MaxBufferBytes       int           `env:"MAX_BUFFER_BYTES" envDefault:"1048576"`
	MaxConsecutiveEmpty  int           `env:"MAX_CONSECUTIVE_EMPTY" envDefault:"10"`
	MaxPendingMessages   int           `env:"MAX_PENDING_MESSAGES" envDefault:"600"`

	UpstreamConnectTimeout    time.Duration `env:"UPSTREAM_CONNECT_TIMEOUT" envDefault:"30s"`
	UpstreamInactivityTimeout time.Duration `env:"UPSTREAM_INACTIVITY_TIMEOUT" envDefault:"2m"`
	UpstreamKeepAliveInterval time.Duration `env:"UPSTREAM_KEEPALIVE_INTERVAL" envDefault:"10s"`
	SessionIdleTimeout        time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"5m"`
	TranscriptEventMaxAge     time.Duration `env:"TRANSCRIPT_EVENT_MAX_AGE" envDefault:"60s"`
	SweepInterval             time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`

	DatabaseURL          string `env:"DATABASE_URL"`
	TranscriptTimezone   string `env:"TRANSCRIPT_TIMEZONE" envDefault:"UTC"`
	TranscriptWebhookURL string `env:"TRANSCRIPT_WEBHOOK_URL"`
}

type envClientConfig struct {
	Env      string `env:"ENV" envDefault:"production"`
	RelayURL string `env:"RELAY_URL" envDefault:"ws://localhost:8080/v1/transcribe"`
	Token    string `env:"RELAY_TOKEN"`
	Language string `env:"LANGUAGE"`
	Model    string `env:"MODEL"`

	KeepAliveInterval    time.Duration `env:"CLIENT_KEEPALIVE_INTERVAL" envDefault:"30s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	CaptureSampleRateHertz int    `env:"CAPTURE_SAMPLE_RATE_HERTZ" envDefault:"48000"`
	CaptureFramesPerBuffer int    `env:"CAPTURE_FRAMES_PER_BUFFER" envDefault:"4800"`
	TargetSampleRateHertz  int    `env:"TARGET_SAMPLE_RATE_HERTZ" envDefault:"16000"`
	Encoding               string `env:"ENCODING" envDefault:"linear16"`
}

// loadDotEnv reads an optional .env file. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func Load() (*internalconfig.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		ListenAddr:                 raw.ListenAddr,
		RelayPath:                  raw.RelayPath,
		UpstreamProvider:           raw.UpstreamProvider,
		UpstreamURL:                raw.UpstreamURL,
		UpstreamAPIKey:             raw.UpstreamAPIKey,
		UpstreamAuthScheme:         raw.UpstreamAuthScheme,
		DefaultLanguage:            raw.DefaultLanguage,
		DefaultModel:               raw.DefaultModel,
		DefaultEncoding:            raw.DefaultEncoding,
		DefaultSampleRateHertz:     raw.DefaultSampleRateHertz,
		DefaultChannels:            raw.DefaultChannels,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		RateLimitWindow:            raw.RateLimitWindow,
		RateLimitMaxMessages:       raw.RateLimitMaxMessages,
		MaxBufferBytes:             raw.MaxBufferBytes,
		MaxConsecutiveEmpty:        raw.MaxConsecutiveEmpty,
		MaxPendingMessages:         raw.MaxPendingMessages,
		UpstreamConnectTimeout:     raw.UpstreamConnectTimeout,
		UpstreamInactivityTimeout:  raw.UpstreamInactivityTimeout,
		UpstreamKeepAliveInterval:  raw.UpstreamKeepAliveInterval,
		SessionIdleTimeout:         raw.SessionIdleTimeout,
		TranscriptEventMaxAge:      raw.TranscriptEventMaxAge,
		SweepInterval:              raw.SweepInterval,
		DatabaseURL:                raw.DatabaseURL,
		TranscriptTimezone:         raw.TranscriptTimezone,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient() (*internalconfig.ClientConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	var raw envClientConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.ClientConfig{
		Env:                    raw.Env,
		RelayURL:               raw.RelayURL,
		Token:                  raw.Token,
		Language:               raw.Language,
		Model:                  raw.Model,
		KeepAliveInterval:      raw.KeepAliveInterval,
		ReconnectBaseDelay:     raw.ReconnectBaseDelay,
		ReconnectMaxDelay:      raw.ReconnectMaxDelay,
		ReconnectMaxAttempts:   raw.ReconnectMaxAttempts,
		CaptureSampleRateHertz: raw.CaptureSampleRateHertz,
		CaptureFramesPerBuffer: raw.CaptureFramesPerBuffer,
		TargetSampleRateHertz:  raw.TargetSampleRateHertz,
		Encoding:               raw.Encoding,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
