package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	audioimpl "github.com/foxseedlab/koe-relay/external/audio"
	configloader "github.com/foxseedlab/koe-relay/external/config"
	"github.com/foxseedlab/koe-relay/external/microphone"
	"github.com/foxseedlab/koe-relay/external/websocket"
	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/foxseedlab/koe-relay/internal/client"
	"github.com/foxseedlab/koe-relay/internal/config"
	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/reconnect"
	"github.com/samber/do/v2"
)

func main() {
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "relay_url", cfg.RelayURL, "encoding", cfg.Encoding)

	injector := do.New()
	do.ProvideValue(injector, cfg)
	audioimpl.RegisterDI(injector)

	encoder, err := do.Invoke[capture.Encoder](injector)
	if err != nil {
		slog.Error("failed to resolve audio encoder", "error", err)
		os.Exit(1)
	}

	mic, err := microphone.Open(microphone.Config{
		SampleRate:      cfg.CaptureSampleRateHertz,
		FramesPerBuffer: cfg.CaptureFramesPerBuffer,
	})
	if err != nil {
		slog.Error("failed to open microphone", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := mic.Close(); err != nil {
			slog.Error("microphone close failed", "error", err)
		}
	}()

	manager := client.NewManager(websocket.NewDialer(cfg.RelayURL), client.Options{
		Token:    cfg.Token,
		Metadata: protocol.Metadata{
			Language:   cfg.Language,
			Model:      cfg.Model,
			Encoding:   encoder.Encoding(),
			SampleRate: cfg.TargetSampleRateHertz,
			Channels:   1,
		},
		KeepAliveInterval: cfg.KeepAliveInterval,
		Reconnect:         reconnect.Config{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxDelay:    cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		Pipeline:      capture.NewPipeline(capture.Config{TargetSampleRate: cfg.TargetSampleRateHertz}, encoder),
		OnTranscript:  printTranscript,
		OnStateChange: func(s client.State) { slog.Info("connection state changed", "state", s) },
		OnError:       func(message string) { slog.Error("relay error", "message", message) },
	})
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Error("client close failed", "error", err)
		}
		slog.Info("client stopped", "dropped_frames", manager.DroppedFrames())
	}()

	if err := manager.Start(context.Background(), mic); err != nil {
		slog.Error("failed to start streaming", "error", err)
		return
	}
	slog.Info("streaming started", "token", manager.Token())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
}

func mustLoadConfig() *config.ClientConfig {
	cfg, err := configloader.LoadClient()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.ClientConfig) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func printTranscript(msg protocol.ServerMessage) {
	if msg.Type != protocol.TypeTranscription {
		return
	}
	marker := "~"
	if msg.IsFinal {
		marker = ">"
	}
	fmt.Printf("%s %s\n", marker, msg.Text)
}
