package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ForwardFunc receives a flushed batch of raw mu-law bytes.
type ForwardFunc func(data []byte)

// Flush trigger labels reported to the observer.
const (
	TriggerThreshold = "threshold"
	TriggerPeriodic  = "periodic"
)

// Buffer accumulates inbound telephony frames and forwards them to the voice
// session at a bounded cadence: immediately once a threshold's worth of audio
// has arrived, or via the periodic stale check when traffic is irregular.
// Forwarding is dropped, not queued, until the session is confirmed ready;
// readiness is a one-way latch set exactly once per call.
type Buffer struct {
	threshold int
	interval  time.Duration
	forward   ForwardFunc
	logger    *slog.Logger

	mu        sync.Mutex
	data      []byte
	lastFlush time.Time
	ready     bool
	observer  func(trigger string)

	// Flush accounting for monitoring
	thresholdFlushes uint64
	periodicFlushes  uint64
	droppedBytes     uint64
}

// NewBuffer creates a buffer that flushes after threshold bytes or when data
// has been waiting longer than twice the flush interval.
func NewBuffer(threshold int, interval time.Duration, forward ForwardFunc, logger *slog.Logger) *Buffer {
	return &Buffer{
		threshold: threshold,
		interval:  interval,
		forward:   forward,
		logger:    logger,
		data:      make([]byte, 0, threshold*2),
		lastFlush: time.Now(),
	}
}

// SetObserver registers a callback invoked on every flush with its trigger
// label. Used to feed the flush counters.
func (b *Buffer) SetObserver(fn func(trigger string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

// SetReady latches the buffer into the forwarding state. Before this point
// flushed audio is silently dropped; the latch cannot be reset.
func (b *Buffer) SetReady() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = true
}

// Add appends one inbound frame and flushes immediately when the accumulated
// length first reaches the threshold.
func (b *Buffer) Add(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, frame...)

	if len(b.data) >= b.threshold {
		b.flushLocked(TriggerThreshold)
	}
}

// Flush forces any buffered audio out regardless of the threshold.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return
	}

	b.flushLocked(TriggerPeriodic)
}

// Run drives the periodic stale check: every interval it force-flushes data
// that has been waiting longer than twice the interval. It returns when the
// context is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flushIfStale()
		}
	}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Stats returns flush accounting for monitoring.
func (b *Buffer) Stats() (thresholdFlushes, periodicFlushes, droppedBytes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thresholdFlushes, b.periodicFlushes, b.droppedBytes
}

// flushIfStale flushes when buffered data has outlived twice the interval.
func (b *Buffer) flushIfStale() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return
	}

	if time.Since(b.lastFlush) > 2*b.interval {
		b.flushLocked(TriggerPeriodic)
	}
}

// flushLocked hands the buffered bytes to the forward func and resets the
// accumulator. Callers must hold b.mu.
func (b *Buffer) flushLocked(trigger string) {
	batch := make([]byte, len(b.data))
	copy(batch, b.data)

	b.data = b.data[:0]
	b.lastFlush = time.Now()

	if trigger == TriggerThreshold {
		b.thresholdFlushes++
	} else {
		b.periodicFlushes++
	}
	if b.observer != nil {
		b.observer(trigger)
	}

	if !b.ready {
		b.droppedBytes += uint64(len(batch))
		b.logger.Debug("Session not ready, dropping buffered audio",
			slog.Int("bytes", len(batch)),
		)
		return
	}

	b.forward(batch)
}
