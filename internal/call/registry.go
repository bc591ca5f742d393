package call

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Analyzer derives a post-call artifact (summary, disposition, extracted
// fields) from a finished call's transcript. Implementations are expected to
// be safe for concurrent use; the registry invokes Analyze on its own
// goroutine after a call completes.
type Analyzer interface {
	Analyze(ctx context.Context, callID string, transcript []string) (string, error)
}

// Registry tracks all calls known to the process. It is an explicit object
// created in main and injected into the components that need it; there is no
// package-level instance.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Record

	analyzer     Analyzer
	analysisWait time.Duration
	logger       *slog.Logger

	cleanupStop chan struct{}
	stopOnce    sync.Once
}

// NewRegistry creates a registry. analyzer may be nil, in which case
// completed calls carry no derived artifact. analysisWait bounds how long
// Complete waits for the analyzer before returning with the call already
// terminal.
func NewRegistry(analyzer Analyzer, analysisWait time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		calls:        make(map[string]*Record),
		analyzer:     analyzer,
		analysisWait: analysisWait,
		logger:       logger,
		cleanupStop:  make(chan struct{}),
	}
}

// Create registers a new call in the initiated status and returns its id.
// If callID is empty a fresh id is generated. Metadata is copied.
func (r *Registry) Create(callID string, metadata map[string]string) string {
	if callID == "" {
		callID = uuid.New().String()
	}

	rec := &Record{
		CallID:       callID,
		Status:       StatusInitiated,
		Metadata:     make(map[string]string, len(metadata)),
		StartTime:    time.Now(),
		done:         make(chan struct{}),
		analysisDone: make(chan struct{}),
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}

	r.mu.Lock()
	if _, exists := r.calls[callID]; exists {
		r.mu.Unlock()
		r.logger.Warn("call already registered", slog.String("call_id", callID))
		return callID
	}
	r.calls[callID] = rec
	r.mu.Unlock()

	r.logger.Info("call created", slog.String("call_id", callID))
	return callID
}

// get returns the record for callID, logging a warning when it is unknown.
func (r *Registry) get(callID string) *Record {
	r.mu.RLock()
	rec := r.calls[callID]
	r.mu.RUnlock()
	if rec == nil {
		r.logger.Warn("unknown call id", slog.String("call_id", callID))
	}
	return rec
}

// transition advances callID to target if the move is forward. Transitions
// to an equal or earlier status are ignored, which makes every Mark* call
// idempotent and keeps the lifecycle monotonic.
func (r *Registry) transition(callID string, target Status) {
	rec := r.get(callID)
	if rec == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Status.Terminal() || target.rank() <= rec.Status.rank() {
		r.logger.Debug("ignoring status transition",
			slog.String("call_id", callID),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(target)))
		return
	}

	from := rec.Status
	rec.Status = target

	r.logger.Info("call status changed",
		slog.String("call_id", callID),
		slog.String("from", string(from)),
		slog.String("to", string(target)))
}

// MarkRinging records that the provider reported the call as ringing.
func (r *Registry) MarkRinging(callID string) { r.transition(callID, StatusRinging) }

// MarkInProgress records that media is flowing for the call.
func (r *Registry) MarkInProgress(callID string) { r.transition(callID, StatusInProgress) }

// SetProviderRef attaches the telephony provider's own identifier (the
// Twilio call SID) to the call.
func (r *Registry) SetProviderRef(callID, ref string) {
	rec := r.get(callID)
	if rec == nil {
		return
	}
	r.mu.Lock()
	rec.ProviderRef = ref
	r.mu.Unlock()
}

// AppendTranscript adds one line to the call's transcript in arrival order.
// Lines use the "[role] text" format so the analyzer can attribute turns.
func (r *Registry) AppendTranscript(callID, role, text string) {
	rec := r.get(callID)
	if rec == nil {
		return
	}
	r.mu.Lock()
	rec.Transcript = append(rec.Transcript, fmt.Sprintf("[%s] %s", role, text))
	r.mu.Unlock()
}

// Transcript returns a copy of the call's transcript lines.
func (r *Registry) Transcript(callID string) []string {
	rec := r.get(callID)
	if rec == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(rec.Transcript))
	copy(out, rec.Transcript)
	return out
}

// Complete moves the call to completed and kicks off transcript analysis.
// It waits up to the configured ceiling for the analyzer so that callers
// observing the call right after completion usually see the artifact, but a
// slow analyzer never delays the transition itself. Completing an already
// terminal call is a no-op.
func (r *Registry) Complete(callID string) {
	rec := r.get(callID)
	if rec == nil {
		return
	}

	r.mu.Lock()
	if rec.Status.Terminal() {
		r.mu.Unlock()
		r.logger.Debug("call already terminal", slog.String("call_id", callID))
		return
	}
	from := rec.Status
	rec.Status = StatusCompleted
	rec.EndTime = time.Now()
	close(rec.done)
	transcript := make([]string, len(rec.Transcript))
	copy(transcript, rec.Transcript)
	r.mu.Unlock()

	r.logger.Info("call status changed",
		slog.String("call_id", callID),
		slog.String("from", string(from)),
		slog.String("to", string(StatusCompleted)))

	go r.analyze(rec, transcript)

	if r.analysisWait > 0 {
		select {
		case <-rec.analysisDone:
		case <-time.After(r.analysisWait):
			r.logger.Warn("transcript analysis still running after wait ceiling",
				slog.String("call_id", callID),
				slog.Duration("waited", r.analysisWait))
		}
	}
}

func (r *Registry) analyze(rec *Record, transcript []string) {
	defer close(rec.analysisDone)

	if r.analyzer == nil || len(transcript) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	artifact, err := r.analyzer.Analyze(ctx, rec.CallID, transcript)
	if err != nil {
		r.logger.Error("transcript analysis failed",
			slog.String("call_id", rec.CallID),
			slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	rec.Artifact = artifact
	r.mu.Unlock()

	r.logger.Info("transcript analysis complete",
		slog.String("call_id", rec.CallID),
		slog.Int("artifact_bytes", len(artifact)))
}

// Fail moves the call to failed with the given reason. Failing an already
// terminal call is a no-op.
func (r *Registry) Fail(callID, reason string) {
	rec := r.get(callID)
	if rec == nil {
		return
	}

	r.mu.Lock()
	if rec.Status.Terminal() {
		r.mu.Unlock()
		r.logger.Debug("call already terminal", slog.String("call_id", callID))
		return
	}
	from := rec.Status
	rec.Status = StatusFailed
	rec.EndTime = time.Now()
	rec.ErrorReason = reason
	close(rec.done)
	close(rec.analysisDone)
	r.mu.Unlock()

	r.logger.Info("call status changed",
		slog.String("call_id", callID),
		slog.String("from", string(from)),
		slog.String("to", string(StatusFailed)),
		slog.String("reason", reason))
}

// Done returns a channel closed when the call reaches a terminal status.
// For an unknown call id it returns an already-closed channel.
func (r *Registry) Done(callID string) <-chan struct{} {
	rec := r.get(callID)
	if rec == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return rec.done
}

// WaitForCompletion blocks until the call reaches a terminal status, the
// timeout elapses, or ctx is cancelled. On timeout the call is forcibly
// failed so no record is left dangling in a live status.
func (r *Registry) WaitForCompletion(ctx context.Context, callID string, timeout time.Duration) (Info, error) {
	rec := r.get(callID)
	if rec == nil {
		return Info{}, fmt.Errorf("unknown call id %q", callID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
	case <-timer.C:
		r.logger.Warn("call did not complete in time",
			slog.String("call_id", callID),
			slog.Duration("timeout", timeout))
		r.Fail(callID, "completion timeout")
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}

	info, _ := r.Info(callID)
	return info, nil
}

// Info returns a snapshot of the call, or false when the id is unknown.
func (r *Registry) Info(callID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := r.calls[callID]
	if rec == nil {
		return Info{}, false
	}
	return rec.info(), true
}

// List returns snapshots of all registered calls sorted by start time,
// newest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.calls))
	for _, rec := range r.calls {
		out = append(out, rec.info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// Count returns the number of live (non-terminal) and total calls.
func (r *Registry) Count() (live, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.calls {
		if !rec.Status.Terminal() {
			live++
		}
	}
	return live, len(r.calls)
}

// StartCleanup launches a goroutine that periodically drops terminal calls
// whose end time is older than maxAge. Stop terminates it.
func (r *Registry) StartCleanup(interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.cleanup(maxAge)
			case <-r.cleanupStop:
				return
			}
		}
	}()
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.cleanupStop) })
}

func (r *Registry) cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.calls {
		if rec.Status.Terminal() && !rec.EndTime.IsZero() && rec.EndTime.Before(cutoff) {
			delete(r.calls, id)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Info("cleaned up finished calls",
			slog.Int("removed", removed),
			slog.Int("remaining", len(r.calls)))
	}
}
