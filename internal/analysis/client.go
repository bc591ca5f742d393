package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lethiess/ai-concierge/internal/metrics"
)

// Client is the HTTP client for the transcript analysis collaborator. It
// implements the registry's Analyzer interface and is safe for concurrent
// use across finished calls.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains analysis client configuration.
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Model         string
	Prompt        string
}

// Request is the payload sent to the analysis collaborator.
type Request struct {
	RequestID  string   `json:"request_id"`
	CallID     string   `json:"call_id"`
	Transcript []string `json:"transcript"`
	Model      string   `json:"model,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`

	ServiceInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"service_info"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the collaborator's reply.
type Response struct {
	CallID      string    `json:"call_id"`
	Artifact    string    `json:"artifact"`
	Confidence  float32   `json:"confidence,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ClientStats represents client statistics.
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new analysis HTTP client. The metrics argument may be
// nil, in which case only the client's own statistics are kept.
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Analyze sends the call transcript for analysis and returns the derived
// artifact. It retries transient failures with exponential backoff and
// bounds in-flight requests with a semaphore.
func (c *Client) Analyze(ctx context.Context, callID string, transcript []string) (string, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	if c.metrics != nil {
		c.metrics.RecordAnalysisRequest()
	}

	request := &Request{
		RequestID:  uuid.New().String(),
		CallID:     callID,
		Transcript: transcript,
		Model:      c.config.Model,
		Prompt:     c.config.Prompt,
		Timestamp:  time.Now(),
	}
	request.ServiceInfo.Name = "ai-concierge"
	request.ServiceInfo.Version = "1.0"

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			// Exponential backoff, capped.
			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := c.doRequest(ctx, request)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			if c.metrics != nil {
				c.metrics.RecordAnalysisSuccess(time.Since(startTime).Seconds())
			}
			return response.Artifact, nil
		}

		lastErr = err
		c.logger.Warn("analysis request failed",
			slog.String("call_id", callID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	if c.metrics != nil {
		c.metrics.RecordAnalysisFailure(time.Since(startTime).Seconds())
	}
	return "", fmt.Errorf("analysis failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single HTTP request to the analysis collaborator.
func (c *Client) doRequest(ctx context.Context, request *Request) (*Response, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "AI-Concierge/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var analysisResp Response
	if err := json.Unmarshal(respBody, &analysisResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	analysisResp.ProcessedAt = time.Now()

	return &analysisResp, nil
}

// isRetryableError reports whether a request should be retried. Server
// errors, rate limiting and network failures are retryable; client errors
// are not.
func isRetryableError(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()

	if strings.Contains(errStr, "HTTP error 5") {
		return true
	}
	if strings.Contains(errStr, "HTTP error 429") {
		return true
	}
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for all active requests to complete.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
