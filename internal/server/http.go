package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lethiess/ai-concierge/internal/analysis"
	"github.com/lethiess/ai-concierge/internal/bridge"
	"github.com/lethiess/ai-concierge/internal/call"
	"github.com/lethiess/ai-concierge/internal/config"
	"github.com/lethiess/ai-concierge/internal/metrics"
)

// HTTPServer provides the media-stream websocket endpoint and the HTTP API
// for monitoring and call status queries
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *call.Registry
	factory  bridge.SessionFactory
	analysis *analysis.Client
	metrics  *metrics.Metrics

	activeBridges atomic.Int64
	startTime     time.Time
}

// NewHTTPServer creates a new HTTP server. analysisClient may be nil when
// transcript analysis is disabled.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, registry *call.Registry,
	factory bridge.SessionFactory, analysisClient *analysis.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		registry:  registry,
		factory:   factory,
		analysis:  analysisClient,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 0, // websocket connections stay open for the whole call
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Telephony media stream entry point
	mux.HandleFunc("/media-stream", h.handleMediaStream)

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Call monitoring endpoints
	mux.HandleFunc("/calls", h.withMetrics("/calls", h.handleCalls))
	mux.HandleFunc("/calls/", h.withMetrics("/calls/{id}", h.handleCallDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/analysis", h.withMetrics("/stats/analysis", h.handleAnalysisStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	liveCalls, totalCalls := h.registry.Count()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "ai-concierge",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"bridge": map[string]interface{}{
				"status":         "running",
				"active_bridges": h.activeBridges.Load(),
				"max_concurrent": h.config.Server.MaxConcurrentCalls,
			},
			"calls": map[string]interface{}{
				"live":  liveCalls,
				"total": totalCalls,
			},
		},
	}

	if h.analysis != nil {
		stats := h.analysis.GetStats()
		health["components"].(map[string]interface{})["analysis"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleCalls implements the /calls endpoint
func (h *HTTPServer) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	calls := h.registry.List()

	response := map[string]interface{}{
		"total_calls": len(calls),
		"timestamp":   time.Now().UTC(),
		"calls":       calls,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCallDetail implements the /calls/{call_id} endpoint
func (h *HTTPServer) handleCallDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callID := r.URL.Path[len("/calls/"):]
	if callID == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	info, exists := h.registry.Info(callID)
	if !exists {
		http.Error(w, "Call not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":                 h.config.Server.Port,
			"bind_address":         h.config.Server.BindAddress,
			"max_concurrent_calls": h.config.Server.MaxConcurrentCalls,
			"shutdown_timeout":     h.config.Server.ShutdownTimeout,
		},
		"audio": map[string]interface{}{
			"native_sample_rate": h.config.Audio.NativeSampleRate,
			"buffer_duration":    h.config.Audio.BufferDuration,
		},
		"session": map[string]interface{}{
			"url":              h.config.Session.URL,
			"model":            h.config.Session.Model,
			"voice":            h.config.Session.Voice,
			"sample_rate":      h.config.Session.SampleRate,
			"vad_threshold":    h.config.Session.VADThreshold,
			"prefix_padding":   h.config.Session.PrefixPadding,
			"silence_duration": h.config.Session.SilenceDuration,
			// Note: API key is intentionally omitted for security
		},
		"calls": map[string]interface{}{
			"completion_timeout": h.config.Calls.CompletionTimeout,
			"analysis_wait":      h.config.Calls.AnalysisWait,
			"cleanup_interval":   h.config.Calls.CleanupInterval,
			"max_age":            h.config.Calls.MaxAge,
		},
		"analysis": map[string]interface{}{
			"enabled":        h.config.Analysis.Enabled,
			"endpoint":       h.config.Analysis.Endpoint,
			"timeout":        h.config.Analysis.Timeout,
			"max_retries":    h.config.Analysis.MaxRetries,
			"max_concurrent": h.config.Analysis.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	liveCalls, totalCalls := h.registry.Count()
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"calls": map[string]interface{}{
			"live":           liveCalls,
			"total":          totalCalls,
			"active_bridges": h.activeBridges.Load(),
		},
	}

	if h.analysis != nil {
		stats["analysis"] = h.analysis.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleAnalysisStats implements the /stats/analysis endpoint
func (h *HTTPServer) handleAnalysisStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.analysis == nil {
		http.Error(w, "Analysis is disabled", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.analysis.GetStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "AI Concierge Bridge",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"WS  /media-stream":    "Telephony media stream entry point",
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /calls":           "List all known calls",
			"GET /calls/{call_id}": "Get detailed call information",
			"GET /config":          "Get service configuration",
			"GET /stats":           "Get service statistics",
			"GET /stats/analysis":  "Get transcript analysis statistics",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
