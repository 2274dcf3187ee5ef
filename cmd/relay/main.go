package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	configloader "github.com/foxseedlab/koe-relay/external/config"
	repositoryimpl "github.com/foxseedlab/koe-relay/external/repository"
	upstreamimpl "github.com/foxseedlab/koe-relay/external/upstream"
	webhookimpl "github.com/foxseedlab/koe-relay/external/webhook"
	"github.com/foxseedlab/koe-relay/external/websocket"
	"github.com/foxseedlab/koe-relay/internal/config"
	"github.com/foxseedlab/koe-relay/internal/relay"
	"github.com/foxseedlab/koe-relay/internal/session"
	"github.com/samber/do/v2"
)

const shutdownTimeout = 15 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "upstream_provider", cfg.UpstreamProvider)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching relay server")
	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	upstreamimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	session.RegisterDI(injector)
	do.Provide(injector, func(i do.Injector) (*relay.Translator, error) {
		return relay.NewTranslator(do.MustInvoke[*session.Manager](i)), nil
	})

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve session manager", "error", err)
		os.Exit(1)
	}
	translator, err := do.Invoke[*relay.Translator](injector)
	if err != nil {
		slog.Error("failed to resolve translator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.RunSweeper(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()
	mux.Handle(cfg.RelayPath, websocket.NewHandler(ctx, translator, websocket.HandlerConfig{
		MaxBufferBytes: cfg.MaxBufferBytes,
	}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": manager.Count()})
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	done := make(chan struct{})
	go func() {
		slog.Info("startup: listening", "addr", cfg.ListenAddr, "path", cfg.RelayPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	// Channels are hijacked, so Shutdown does not wait for them; cancelling
	// ctx closes each with 1001 and StopAll then drains the sessions.
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		slog.Error("session shutdown failed", "error", err)
	}
}
