// Command acquisition runs the industrial data-acquisition service:
// Modbus/TCP polling and MQTT ingest feeding a batched TimescaleDB
// pipeline with a disk-backed dead-letter queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/data-acquisition/internal/adapter/config"
	"github.com/nexus-edge/data-acquisition/internal/metrics"
	"github.com/nexus-edge/data-acquisition/internal/service"
	"github.com/nexus-edge/data-acquisition/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/acquisition.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().
		Str("service", cfg.Service.Name).
		Str("environment", cfg.Service.Environment).
		Str("config", configPath).
		Msg("Starting data acquisition service")

	metricsReg := metrics.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orchestrator, err := service.New(ctx, cfg, logger, metricsReg)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	httpServer := newHTTPServer(cfg, orchestrator, logger)
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("HTTP listener started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP listener failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Pipeline shutdown incomplete")
		return err
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// newHTTPServer exposes health and metrics. Liveness is unconditional;
// readiness requires a reachable store.
func newHTTPServer(cfg *config.Config, orchestrator *service.Orchestrator, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orchestrator.Status(), logger)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"}, logger)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if !orchestrator.IsHealthy(ctx) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"}, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}
