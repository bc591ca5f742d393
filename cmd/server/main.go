package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lethiess/ai-concierge/internal/analysis"
	"github.com/lethiess/ai-concierge/internal/bridge"
	"github.com/lethiess/ai-concierge/internal/call"
	"github.com/lethiess/ai-concierge/internal/config"
	"github.com/lethiess/ai-concierge/internal/metrics"
	"github.com/lethiess/ai-concierge/internal/server"
	"github.com/lethiess/ai-concierge/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "ai-concierge"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_calls", cfg.Server.MaxConcurrentCalls),
		slog.Int("native_sample_rate", cfg.Audio.NativeSampleRate),
		slog.Int("buffer_duration_ms", cfg.Audio.BufferDuration),
		slog.String("session_model", cfg.Session.Model),
		slog.Int("session_sample_rate", cfg.Session.SampleRate),
		slog.Bool("analysis_enabled", cfg.Analysis.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize transcript analysis client (if enabled)
	var analysisClient *analysis.Client
	var analyzer call.Analyzer
	if cfg.Analysis.Enabled {
		analysisClient, err = analysis.NewClient(analysis.Config{
			Endpoint:      cfg.Analysis.Endpoint,
			APIKey:        cfg.Analysis.APIKey,
			Timeout:       cfg.Analysis.GetTimeoutDuration(),
			MaxRetries:    cfg.Analysis.MaxRetries,
			MaxConcurrent: cfg.Analysis.MaxConcurrent,
			Model:         cfg.Analysis.Model,
			Prompt:        cfg.Analysis.Prompt,
		}, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create analysis client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		analyzer = analysisClient
		logger.Info("Analysis client initialized",
			slog.String("endpoint", cfg.Analysis.Endpoint),
		)
	}

	// Initialize call registry
	registry := call.NewRegistry(analyzer, cfg.Calls.GetAnalysisWait(), logger)
	registry.StartCleanup(cfg.Calls.GetCleanupInterval(), cfg.Calls.GetMaxAge())
	logger.Info("Call registry initialized",
		slog.Duration("cleanup_interval", cfg.Calls.GetCleanupInterval()),
		slog.Duration("max_age", cfg.Calls.GetMaxAge()),
	)

	// Session factory: one conversational session per started call
	factory := func(info bridge.StartInfo) (session.Session, error) {
		return session.Dial(session.Config{
			URL:               cfg.Session.URL,
			APIKey:            cfg.Session.APIKey,
			Model:             cfg.Session.Model,
			Voice:             cfg.Session.Voice,
			Instructions:      buildInstructions(cfg.Session.Instructions, info),
			SampleRate:        cfg.Session.SampleRate,
			VADThreshold:      cfg.Session.VADThreshold,
			PrefixPaddingMS:   cfg.Session.PrefixPadding,
			SilenceDurationMS: cfg.Session.SilenceDuration,
		}, logger)
	}

	// Initialize HTTP server with the websocket media-stream endpoint
	httpServer := server.NewHTTPServer(cfg, logger, registry, factory, analysisClient, appMetrics)
	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the registry's cleanup routine
	registry.Stop()

	// Let in-flight analysis requests finish
	if analysisClient != nil {
		if err := analysisClient.Close(); err != nil {
			logger.Error("Error closing analysis client", slog.String("error", err.Error()))
		}

		stats := analysisClient.GetStats()
		logger.Info("Final analysis statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
		)
	}

	liveCalls, totalCalls := registry.Count()
	logger.Info("Final call statistics",
		slog.Int("live_calls", liveCalls),
		slog.Int("total_calls", totalCalls),
	)

	logger.Info("Service stopped")
}

// buildInstructions combines the configured base instructions with the
// per-call metadata from the start event so the session knows the booking
// context.
func buildInstructions(base string, info bridge.StartInfo) string {
	if len(info.CustomParams) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nCall context:\n")
	for key, value := range info.CustomParams {
		fmt.Fprintf(&b, "- %s: %s\n", key, value)
	}
	return b.String()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
