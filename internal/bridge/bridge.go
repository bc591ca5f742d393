package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lethiess/ai-concierge/internal/audio"
	"github.com/lethiess/ai-concierge/internal/call"
	"github.com/lethiess/ai-concierge/internal/codec"
	"github.com/lethiess/ai-concierge/internal/metrics"
	"github.com/lethiess/ai-concierge/internal/playback"
	"github.com/lethiess/ai-concierge/internal/session"
	"github.com/lethiess/ai-concierge/internal/telephony"
)

// State represents the bridge lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateBridging
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBridging:
		return "bridging"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the telephony side of the bridge: a message-oriented bidirectional
// connection carrying the media stream protocol.
type Link interface {
	// ReadMessage blocks until the next inbound message arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one outbound message.
	WriteMessage(data []byte) error

	// Close sends a close frame with the given code and tears the
	// connection down. Safe to call more than once.
	Close(code int, reason string) error
}

// Close codes for the telephony link, matching websocket closure semantics.
const (
	CloseNormal = 1000
	CloseError  = 1011
)

// SessionFactory constructs the conversational session for a started call.
// It receives the start metadata so per-call context (caller number, booking
// details) can shape the session instructions.
type SessionFactory func(info StartInfo) (session.Session, error)

// StartInfo carries the identifiers and metadata from the telephony start
// event.
type StartInfo struct {
	StreamSID    string
	CallSID      string
	CustomParams map[string]string
}

// Config holds per-bridge settings.
type Config struct {
	// NativeSampleRate is the telephony-side rate in Hz.
	NativeSampleRate int

	// SessionSampleRate is the conversational session's rate in Hz.
	SessionSampleRate int

	// BufferThreshold is the inbound accumulation threshold in companded
	// bytes.
	BufferThreshold int

	// BufferInterval is the periodic flush cadence.
	BufferInterval time.Duration
}

// Bridge joins one telephony connection to one conversational session for
// the lifetime of a call.
type Bridge struct {
	link     Link
	registry *call.Registry
	factory  SessionFactory
	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	tracker *playback.Tracker
	buffer  *audio.Buffer
	sess    session.Session

	mu        sync.Mutex
	state     State
	callID    string
	streamSID string
	failure   string

	// last utterance segment seen from the session, for truncation on
	// barge-in
	lastItemID       string
	lastContentIndex int
}

// New creates a bridge for one accepted telephony connection. Run drives it
// to completion.
func New(link Link, registry *call.Registry, factory SessionFactory, config Config, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		link:     link,
		registry: registry,
		factory:  factory,
		config:   config,
		logger:   logger,
		metrics:  m,
		tracker:  playback.NewTracker(),
		state:    StateConnecting,
	}
}

// Run drives the bridge until the call ends. It blocks until both
// directional loops have finished and the session and link are released.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.setState(StateClosed)

	start, err := b.awaitStart(ctx)
	if err != nil {
		b.link.Close(CloseNormal, "")
		return err
	}

	b.mu.Lock()
	b.streamSID = start.StreamSID
	b.mu.Unlock()

	callID := start.CustomParams["call_id"]
	if callID == "" {
		callID = start.CallSID
	}
	callID = b.registry.Create(callID, start.CustomParams)
	b.registry.SetProviderRef(callID, start.CallSID)
	b.registry.MarkInProgress(callID)

	b.mu.Lock()
	b.callID = callID
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordCallStarted()
	}

	b.logger.Info("media stream started",
		slog.String("call_id", callID),
		slog.String("stream_sid", start.StreamSID),
		slog.String("call_sid", start.CallSID))

	sess, err := b.factory(start)
	if err != nil {
		b.registry.Fail(callID, fmt.Sprintf("session setup failed: %v", err))
		b.finishMetrics(callID)
		b.link.Close(CloseError, "session setup failed")
		return fmt.Errorf("session setup failed: %w", err)
	}
	b.sess = sess

	b.buffer = audio.NewBuffer(b.config.BufferThreshold, b.config.BufferInterval, b.forwardAudio, b.logger)
	if b.metrics != nil {
		b.buffer.SetObserver(b.metrics.RecordBufferFlush)
	}
	b.buffer.SetReady()

	if err := sess.Greet(); err != nil {
		b.logger.Warn("greeting trigger failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}

	b.setState(StateBridging)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		return b.telephonyLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return b.sessionLoop(gctx)
	})
	g.Go(func() error {
		b.buffer.Run(gctx)
		return nil
	})

	// The telephony read has no context; closing the link is what unblocks
	// it when the session side finishes first.
	go func() {
		<-gctx.Done()
		b.setState(StateDraining)
		sess.Close()
		b.link.Close(b.closeCode(), "")
	}()

	runErr := g.Wait()

	b.mu.Lock()
	failure := b.failure
	b.mu.Unlock()

	if failure != "" {
		b.registry.Fail(callID, failure)
	} else {
		b.registry.Complete(callID)
	}
	b.finishMetrics(callID)

	b.logger.Info("bridge finished",
		slog.String("call_id", callID),
		slog.Int("pending_marks", b.tracker.PendingCount()))

	return runErr
}

// awaitStart reads telephony messages until the start event arrives. The
// session cannot be constructed before it: the start event carries the
// correlation id and call metadata.
func (b *Bridge) awaitStart(ctx context.Context) (StartInfo, error) {
	for {
		if err := ctx.Err(); err != nil {
			return StartInfo{}, err
		}

		data, err := b.link.ReadMessage()
		if err != nil {
			return StartInfo{}, fmt.Errorf("connection ended before start event: %w", err)
		}

		ev, err := telephony.ParseMessage(data)
		if err != nil {
			b.logger.Warn("skipping malformed message", slog.String("error", err.Error()))
			if b.metrics != nil {
				b.metrics.RecordDecodeError()
			}
			continue
		}

		switch ev := ev.(type) {
		case telephony.StartEvent:
			return StartInfo{
				StreamSID:    ev.StreamSID,
				CallSID:      ev.CallSID,
				CustomParams: ev.CustomParams,
			}, nil
		case telephony.StopEvent:
			return StartInfo{}, fmt.Errorf("stream stopped before start event")
		default:
			// connected and any early media arrive before start; nothing
			// to do with them yet
		}
	}
}

// telephonyLoop processes inbound telephony messages until stop or
// disconnect.
func (b *Bridge) telephonyLoop(ctx context.Context) error {
	for {
		data, err := b.link.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Info("telephony connection closed", slog.String("error", err.Error()))
			return nil
		}

		ev, err := telephony.ParseMessage(data)
		if err != nil {
			b.logger.Warn("skipping malformed message", slog.String("error", err.Error()))
			if b.metrics != nil {
				b.metrics.RecordDecodeError()
			}
			continue
		}

		switch ev := ev.(type) {
		case telephony.MediaEvent:
			if b.metrics != nil {
				b.metrics.RecordFrameReceived(len(ev.Payload))
			}
			b.buffer.Add(ev.Payload)

		case telephony.MarkEvent:
			if b.tracker.OnAck(ev.Name) && b.metrics != nil {
				b.metrics.RecordMarkAcked()
			}

		case telephony.DTMFEvent:
			b.logger.Info("dtmf received", slog.String("digit", ev.Digit))

		case telephony.StartEvent:
			b.logger.Debug("ignoring duplicate start event")

		case telephony.StopEvent:
			b.logger.Info("stop event received")
			return nil

		case telephony.ConnectedEvent:
			// informational only
		}
	}
}

// sessionLoop processes conversational session events until the session
// ends or reports an error.
func (b *Bridge) sessionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-b.sess.Events():
			if !ok {
				return nil
			}

			switch ev := ev.(type) {
			case session.Audio:
				if b.metrics != nil {
					b.metrics.RecordSessionEvent("audio")
				}
				b.handleSessionAudio(ev)

			case session.AudioInterrupted:
				if b.metrics != nil {
					b.metrics.RecordSessionEvent("audio_interrupted")
					b.metrics.RecordInterruption()
				}
				b.handleInterruption()

			case session.Transcript:
				if b.metrics != nil {
					b.metrics.RecordSessionEvent("transcript")
				}
				b.registry.AppendTranscript(b.callID, ev.Role, ev.Text)

			case session.Error:
				if b.metrics != nil {
					b.metrics.RecordSessionEvent("error")
					b.metrics.RecordSessionError()
				}
				b.setFailure(ev.Reason)
				return fmt.Errorf("session error: %s", ev.Reason)

			case session.Done:
				if b.metrics != nil {
					b.metrics.RecordSessionEvent("done")
				}
				return nil
			}
		}
	}
}

// forwardAudio converts a flushed batch of companded telephony audio to
// linear PCM at the session rate and hands it to the session. Invoked by the
// buffer, synchronously, from whichever goroutine triggered the flush.
func (b *Bridge) forwardAudio(data []byte) {
	pcm := codec.MulawToPCM16(data, b.config.SessionSampleRate)
	if err := b.sess.SendAudio(pcm); err != nil {
		b.logger.Warn("failed to forward audio to session", slog.String("error", err.Error()))
	}
}

// handleSessionAudio encodes synthesized speech back to the telephony
// format, sends it as a media message and follows up with a mark carrying a
// fresh playback token.
func (b *Bridge) handleSessionAudio(ev session.Audio) {
	b.mu.Lock()
	streamSID := b.streamSID
	b.lastItemID = ev.ItemID
	b.lastContentIndex = ev.ContentIndex
	b.mu.Unlock()

	mulaw := codec.PCM16ToMulaw(ev.Data, b.config.SessionSampleRate)

	msg, err := telephony.MediaMessage(streamSID, mulaw)
	if err != nil {
		b.logger.Warn("failed to build media message", slog.String("error", err.Error()))
		return
	}
	if err := b.link.WriteMessage(msg); err != nil {
		// the call may have ended while audio was in flight
		b.logger.Debug("could not send audio to telephony", slog.String("error", err.Error()))
		return
	}
	if b.metrics != nil {
		b.metrics.RecordFrameSent(len(mulaw))
	}

	token := b.tracker.OnOutbound(ev.ItemID, ev.ContentIndex, len(ev.Data))
	markMsg, err := telephony.MarkMessage(streamSID, token)
	if err != nil {
		b.logger.Warn("failed to build mark message", slog.String("error", err.Error()))
		return
	}
	if err := b.link.WriteMessage(markMsg); err != nil {
		b.logger.Debug("could not send mark", slog.String("error", err.Error()))
		return
	}
	if b.metrics != nil {
		b.metrics.RecordMarkSent()
	}
}

// handleInterruption purges the telephony playback buffer and tells the
// session how much of its last utterance the caller actually heard.
func (b *Bridge) handleInterruption() {
	b.mu.Lock()
	streamSID := b.streamSID
	itemID := b.lastItemID
	contentIndex := b.lastContentIndex
	b.mu.Unlock()

	b.logger.Info("caller barge-in, clearing playback",
		slog.String("call_id", b.callID),
		slog.String("item_id", itemID))

	clearMsg, err := telephony.ClearMessage(streamSID)
	if err != nil {
		b.logger.Warn("failed to build clear message", slog.String("error", err.Error()))
		return
	}
	if err := b.link.WriteMessage(clearMsg); err != nil {
		b.logger.Debug("could not send clear", slog.String("error", err.Error()))
	}

	if itemID == "" {
		return
	}

	playedBytes := b.tracker.PlayedBytes(itemID, contentIndex)
	// PCM16 is two bytes per sample.
	audioEnd := time.Duration(playedBytes/2) * time.Second / time.Duration(b.config.SessionSampleRate)
	if err := b.sess.Truncate(itemID, contentIndex, audioEnd); err != nil {
		b.logger.Warn("truncate failed",
			slog.String("item_id", itemID),
			slog.String("error", err.Error()))
	}
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()

	if prev != s {
		b.logger.Debug("bridge state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// CurrentState returns the bridge lifecycle state.
func (b *Bridge) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setFailure(reason string) {
	b.mu.Lock()
	if b.failure == "" {
		b.failure = reason
	}
	b.mu.Unlock()
}

func (b *Bridge) closeCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure != "" {
		return CloseError
	}
	return CloseNormal
}

func (b *Bridge) finishMetrics(callID string) {
	if b.metrics == nil {
		return
	}
	info, ok := b.registry.Info(callID)
	if !ok {
		return
	}
	if info.Status == call.StatusFailed {
		b.metrics.RecordCallFailed(info.Duration.Seconds())
	} else {
		b.metrics.RecordCallCompleted(info.Duration.Seconds())
	}
}
