package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the concierge bridge
type Metrics struct {
	// Call metrics
	ActiveCalls    prometheus.Gauge
	CallsStarted   prometheus.Counter
	CallsCompleted prometheus.Counter
	CallsFailed    prometheus.Counter
	CallDuration   prometheus.Histogram

	// Audio metrics
	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter
	AudioBytesIn   prometheus.Counter
	AudioBytesOut  prometheus.Counter
	BufferFlushes  *prometheus.CounterVec
	DecodeErrors   prometheus.Counter

	// Playback tracking metrics
	MarksSent        prometheus.Counter
	MarksAcked       prometheus.Counter
	MarksOutstanding prometheus.Gauge
	Interruptions    prometheus.Counter

	// Session metrics
	SessionEvents *prometheus.CounterVec
	SessionErrors prometheus.Counter

	// Analysis metrics
	AnalysisRequests  prometheus.Counter
	AnalysisSuccesses prometheus.Counter
	AnalysisFailures  prometheus.Counter
	AnalysisDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Call metrics
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "concierge_active_calls",
			Help: "Current number of live calls",
		}),
		CallsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_calls_started_total",
			Help: "Total number of calls started",
		}),
		CallsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_calls_completed_total",
			Help: "Total number of calls completed normally",
		}),
		CallsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_calls_failed_total",
			Help: "Total number of calls ended in failure",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "concierge_call_duration_seconds",
			Help:    "Duration of calls in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Audio metrics
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_frames_received_total",
			Help: "Total number of inbound telephony media frames",
		}),
		FramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_frames_sent_total",
			Help: "Total number of outbound telephony media frames",
		}),
		AudioBytesIn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_audio_bytes_in_total",
			Help: "Total inbound audio payload bytes",
		}),
		AudioBytesOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_audio_bytes_out_total",
			Help: "Total outbound audio payload bytes",
		}),
		BufferFlushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_buffer_flushes_total",
			Help: "Total audio buffer flushes by trigger",
		}, []string{"trigger"}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_decode_errors_total",
			Help: "Total number of telephony message decode errors",
		}),

		// Playback tracking metrics
		MarksSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_marks_sent_total",
			Help: "Total number of playback mark tokens sent",
		}),
		MarksAcked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_marks_acked_total",
			Help: "Total number of playback mark tokens acknowledged",
		}),
		MarksOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "concierge_marks_outstanding",
			Help: "Current number of unacknowledged mark tokens",
		}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_interruptions_total",
			Help: "Total number of caller barge-in interruptions",
		}),

		// Session metrics
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_session_events_total",
			Help: "Total conversational session events by type",
		}, []string{"type"}),
		SessionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_session_errors_total",
			Help: "Total number of session-reported errors",
		}),

		// Analysis metrics
		AnalysisRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_analysis_requests_total",
			Help: "Total number of transcript analysis requests sent",
		}),
		AnalysisSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_analysis_successes_total",
			Help: "Total number of successful analysis requests",
		}),
		AnalysisFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "concierge_analysis_failures_total",
			Help: "Total number of failed analysis requests",
		}),
		AnalysisDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "concierge_analysis_duration_seconds",
			Help:    "Duration of transcript analysis requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordCallStarted increments the calls started counter
func (m *Metrics) RecordCallStarted() {
	m.CallsStarted.Inc()
	m.ActiveCalls.Inc()
}

// RecordCallCompleted records a normally ended call and its duration
func (m *Metrics) RecordCallCompleted(durationSeconds float64) {
	m.CallsCompleted.Inc()
	m.ActiveCalls.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// RecordCallFailed records a failed call and its duration
func (m *Metrics) RecordCallFailed(durationSeconds float64) {
	m.CallsFailed.Inc()
	m.ActiveCalls.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// RecordFrameReceived records one inbound media frame
func (m *Metrics) RecordFrameReceived(sizeBytes int) {
	m.FramesReceived.Inc()
	m.AudioBytesIn.Add(float64(sizeBytes))
}

// RecordFrameSent records one outbound media frame
func (m *Metrics) RecordFrameSent(sizeBytes int) {
	m.FramesSent.Inc()
	m.AudioBytesOut.Add(float64(sizeBytes))
}

// RecordBufferFlush records a buffer flush by trigger ("threshold" or "periodic")
func (m *Metrics) RecordBufferFlush(trigger string) {
	m.BufferFlushes.WithLabelValues(trigger).Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordMarkSent records a newly minted mark token
func (m *Metrics) RecordMarkSent() {
	m.MarksSent.Inc()
	m.MarksOutstanding.Inc()
}

// RecordMarkAcked records an acknowledged mark token
func (m *Metrics) RecordMarkAcked() {
	m.MarksAcked.Inc()
	m.MarksOutstanding.Dec()
}

// RecordInterruption increments the barge-in counter
func (m *Metrics) RecordInterruption() {
	m.Interruptions.Inc()
}

// RecordSessionEvent counts a session event by type
func (m *Metrics) RecordSessionEvent(eventType string) {
	m.SessionEvents.WithLabelValues(eventType).Inc()
}

// RecordSessionError increments the session errors counter
func (m *Metrics) RecordSessionError() {
	m.SessionErrors.Inc()
}

// RecordAnalysisRequest increments the analysis requests counter
func (m *Metrics) RecordAnalysisRequest() {
	m.AnalysisRequests.Inc()
}

// RecordAnalysisSuccess records a successful analysis request
func (m *Metrics) RecordAnalysisSuccess(durationSeconds float64) {
	m.AnalysisSuccesses.Inc()
	m.AnalysisDuration.Observe(durationSeconds)
}

// RecordAnalysisFailure records a failed analysis request
func (m *Metrics) RecordAnalysisFailure(durationSeconds float64) {
	m.AnalysisFailures.Inc()
	m.AnalysisDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
