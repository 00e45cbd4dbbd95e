package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/niganuga/flow-editor-sub001/internal/app"
	"github.com/niganuga/flow-editor-sub001/internal/config"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	shutdownTracing, err := observability.InitTracing(cfg.TracingEnabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.GeminiModel).
		Str("tool_service", cfg.ToolServiceAddr).
		Str("history_dir", cfg.HistoryDir).
		Str("weaviate_host", cfg.WeaviateHost).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Image edit service starting")

	startCtx, startCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	pipeline, err := app.Build(startCtx, cfg, nil, logger)
	startCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build pipeline")
	}

	// Create HTTP server
	mux := http.NewServeMux()
	transport.NewServer(pipeline.Orchestrator, transport.DefaultMaxBodyBytes, logger).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(pipeline.ReadinessChecks()...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Turns include a planner call and tool runs, so writes get the planner
	// budget on top of the usual allowance.
	writeTimeout := time.Duration(cfg.PlannerTimeout*cfg.PlannerRetryMaxAttempts+cfg.ToolTimeout*cfg.PlannerMaxProposals)*time.Second + 15*time.Second
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	evictCtx, stopEvict := context.WithCancel(context.Background())
	go evictSessions(evictCtx, pipeline, time.Duration(cfg.SessionIdleTTL)*time.Second)

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/v1/turns", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stopEvict()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := pipeline.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to release pipeline resources")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Server exited gracefully")
}

func evictSessions(ctx context.Context, pipeline *app.App, idle time.Duration) {
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	logger := observability.WithComponent("sessions")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := pipeline.Sessions.Evict(idle); n > 0 {
				logger.Info().Int("evicted", n).Int("active", pipeline.Sessions.Len()).Msg("Evicted idle sessions")
			}
		}
	}
}
