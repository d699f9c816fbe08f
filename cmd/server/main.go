package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/linepulse/linepulse/internal/config"
	"github.com/linepulse/linepulse/internal/hub"
	"github.com/linepulse/linepulse/internal/logging"
	"github.com/linepulse/linepulse/internal/metrics"
	"github.com/linepulse/linepulse/internal/server"
	"github.com/linepulse/linepulse/internal/version"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		// Hub stops last so in-flight connections get close frames.
		h.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)

	h := hub.New(hub.Options{
		MaxConnections:    cfg.MaxConnections,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Clock:             clock,
	})
	h.SetEnabled(cfg.RealtimeEnabled)

	router := hub.NewRouter(h)

	srv := server.New(cfg, h, router)

	done := runGracefulShutdown(srv, h)

	slog.Info("Server starting", "port", cfg.Port, "version", info.Version)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
