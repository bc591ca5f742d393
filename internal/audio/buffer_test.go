package audio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type captureForward struct {
	mu      sync.Mutex
	batches [][]byte
}

func (c *captureForward) fn(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.batches = append(c.batches, cp)
}

func (c *captureForward) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureForward) all() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.batches))
	copy(out, c.batches)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFlushAtThreshold(t *testing.T) {
	var sink captureForward
	b := NewBuffer(400, 50*time.Millisecond, sink.fn, discardLogger())
	b.SetReady()

	// Four frames below the threshold accumulate.
	for i := 0; i < 4; i++ {
		b.Add(bytes.Repeat([]byte{0xFF}, 80))
	}
	if sink.count() != 0 {
		t.Fatalf("flushed %d times below threshold", sink.count())
	}
	if b.Len() != 320 {
		t.Errorf("buffered = %d bytes, want 320", b.Len())
	}

	// The fifth frame reaches the threshold exactly: one flush, and only
	// one.
	b.Add(bytes.Repeat([]byte{0xFF}, 80))
	if sink.count() != 1 {
		t.Fatalf("flushed %d times at threshold, want 1", sink.count())
	}
	if got := len(sink.all()[0]); got != 400 {
		t.Errorf("flushed batch = %d bytes, want 400", got)
	}
	if b.Len() != 0 {
		t.Errorf("buffer holds %d bytes after flush, want 0", b.Len())
	}

	// No double-flush: the next sub-threshold frame accumulates again.
	b.Add(bytes.Repeat([]byte{0xFF}, 80))
	if sink.count() != 1 {
		t.Errorf("flushed %d times, want still 1", sink.count())
	}
}

func TestOversizeFrameFlushesOnce(t *testing.T) {
	var sink captureForward
	b := NewBuffer(400, 50*time.Millisecond, sink.fn, discardLogger())
	b.SetReady()

	b.Add(bytes.Repeat([]byte{0xFF}, 1000))
	if sink.count() != 1 {
		t.Fatalf("flushed %d times, want 1", sink.count())
	}
	if got := len(sink.all()[0]); got != 1000 {
		t.Errorf("flushed batch = %d bytes, want 1000", got)
	}
}

func TestPeriodicFlushOfStaleData(t *testing.T) {
	var sink captureForward
	interval := 20 * time.Millisecond
	b := NewBuffer(400, interval, sink.fn, discardLogger())
	b.SetReady()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Five small frames stay below the threshold.
	for i := 0; i < 5; i++ {
		b.Add(bytes.Repeat([]byte{0xFF}, 20))
	}
	if sink.count() != 0 {
		t.Fatalf("flushed %d times immediately", sink.count())
	}

	// After roughly twice the interval the stale check must fire.
	deadline := time.Now().Add(10 * interval)
	for time.Now().Before(deadline) && sink.count() == 0 {
		time.Sleep(interval / 4)
	}

	if sink.count() != 1 {
		t.Fatalf("periodic flush fired %d times, want 1", sink.count())
	}
	if got := len(sink.all()[0]); got != 100 {
		t.Errorf("flushed batch = %d bytes, want 100", got)
	}
	if b.Len() != 0 {
		t.Errorf("buffer holds %d bytes after periodic flush", b.Len())
	}

	_, periodic, _ := b.Stats()
	if periodic != 1 {
		t.Errorf("periodic flush count = %d, want 1", periodic)
	}
}

func TestFreshDataIsNotForceFlushed(t *testing.T) {
	var sink captureForward
	b := NewBuffer(400, time.Minute, sink.fn, discardLogger())
	b.SetReady()

	b.Add([]byte{1, 2, 3})
	b.flushIfStale()

	if sink.count() != 0 {
		t.Errorf("stale check flushed fresh data")
	}
	if b.Len() != 3 {
		t.Errorf("buffered = %d, want 3", b.Len())
	}
}

func TestDropsUntilReady(t *testing.T) {
	var sink captureForward
	b := NewBuffer(100, 50*time.Millisecond, sink.fn, discardLogger())

	// Not ready: a threshold flush discards, it does not queue.
	b.Add(bytes.Repeat([]byte{0xFF}, 150))
	if sink.count() != 0 {
		t.Fatalf("forwarded audio before readiness")
	}
	if b.Len() != 0 {
		t.Errorf("dropped audio still buffered: %d bytes", b.Len())
	}

	_, _, dropped := b.Stats()
	if dropped != 150 {
		t.Errorf("dropped bytes = %d, want 150", dropped)
	}

	// The latch is one-way: once set, audio flows.
	b.SetReady()
	b.Add(bytes.Repeat([]byte{0xFF}, 100))
	if sink.count() != 1 {
		t.Errorf("forwarded %d batches after readiness, want 1", sink.count())
	}
}

func TestExplicitFlush(t *testing.T) {
	var sink captureForward
	b := NewBuffer(400, 50*time.Millisecond, sink.fn, discardLogger())
	b.SetReady()

	b.Flush() // empty buffer is a no-op
	if sink.count() != 0 {
		t.Errorf("empty flush forwarded a batch")
	}

	b.Add([]byte{1, 2, 3})
	b.Flush()
	if sink.count() != 1 {
		t.Fatalf("flush forwarded %d batches, want 1", sink.count())
	}
	if !bytes.Equal(sink.all()[0], []byte{1, 2, 3}) {
		t.Errorf("flushed batch = %v", sink.all()[0])
	}
}

func TestObserverReportsFlushTriggers(t *testing.T) {
	var sink captureForward
	var mu sync.Mutex
	var triggers []string

	b := NewBuffer(400, time.Minute, sink.fn, discardLogger())
	b.SetObserver(func(trigger string) {
		mu.Lock()
		defer mu.Unlock()
		triggers = append(triggers, trigger)
	})
	b.SetReady()

	b.Add(bytes.Repeat([]byte{0xFF}, 400))
	b.Add([]byte{1, 2, 3})
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(triggers) != 2 {
		t.Fatalf("observer saw %d flushes, want 2", len(triggers))
	}
	if triggers[0] != TriggerThreshold {
		t.Errorf("first trigger = %q, want %q", triggers[0], TriggerThreshold)
	}
	if triggers[1] != TriggerPeriodic {
		t.Errorf("second trigger = %q, want %q", triggers[1], TriggerPeriodic)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	var sink captureForward
	b := NewBuffer(400, 5*time.Millisecond, sink.fn, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
