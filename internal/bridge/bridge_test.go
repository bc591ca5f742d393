package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lethiess/ai-concierge/internal/call"
	"github.com/lethiess/ai-concierge/internal/metrics"
	"github.com/lethiess/ai-concierge/internal/session"
)

// fakeLink is an in-memory telephony connection driven by the test.
type fakeLink struct {
	in chan []byte

	mu        sync.Mutex
	out       [][]byte
	closeCode int
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) ReadMessage() ([]byte, error) {
	select {
	case msg, ok := <-l.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *fakeLink) WriteMessage(data []byte) error {
	select {
	case <-l.closed:
		return fmt.Errorf("link closed")
	default:
	}
	l.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	l.out = append(l.out, cp)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Close(code int, _ string) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closeCode = code
		l.mu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *fakeLink) sentMessages() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.out))
	copy(out, l.out)
	return out
}

func (l *fakeLink) finalCloseCode() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCode
}

type truncateCall struct {
	itemID       string
	contentIndex int
	audioEnd     time.Duration
}

// fakeSession is a scripted conversational session. The test pushes events
// into events and closes it to end the session side.
type fakeSession struct {
	events chan session.Event

	mu        sync.Mutex
	sent      [][]byte
	truncates []truncateCall
	greeted   bool
	closed    bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan session.Event, 64)}
}

func (s *fakeSession) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeSession) Greet() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greeted = true
	return nil
}

func (s *fakeSession) Truncate(itemID string, contentIndex int, audioEnd time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncates = append(s.truncates, truncateCall{itemID, contentIndex, audioEnd})
	return nil
}

func (s *fakeSession) Events() <-chan session.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) sentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() Config {
	return Config{
		NativeSampleRate:  8000,
		SessionSampleRate: 8000,
		BufferThreshold:   400,
		BufferInterval:    50 * time.Millisecond,
	}
}

func startJSON(streamSID, callSID string) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"start","start":{"streamSid":%q,"callSid":%q,"customParameters":{}}}`,
		streamSID, callSID))
}

func b64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func mediaJSON(payload string) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`, payload))
}

// outboundEvents decodes the event tags of everything the bridge wrote to
// the telephony link.
func outboundEvents(t *testing.T, link *fakeLink) []string {
	t.Helper()
	var tags []string
	for _, raw := range link.sentMessages() {
		var msg struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("bad outbound message %s: %v", raw, err)
		}
		tags = append(tags, msg.Event)
	}
	return tags
}

func runBridge(t *testing.T, link *fakeLink, sess *fakeSession, registry *call.Registry) (*Bridge, chan error) {
	t.Helper()
	factory := func(StartInfo) (session.Session, error) { return sess, nil }
	b := New(link, registry, factory, testConfig(), quietLogger(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()
	return b, errCh
}

func waitDone(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not finish")
		return nil
	}
}

func TestBridgeHappyPath(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	_, errCh := runBridge(t, link, sess, registry)

	link.in <- []byte(`{"event":"connected"}`)
	link.in <- startJSON("MZ123", "CA456")

	// 400 bytes of companded silence reaches the flush threshold exactly.
	silence := bytes.Repeat([]byte{0xFF}, 400)
	link.in <- mediaJSON(b64(silence))

	// Wait for the threshold flush to reach the session.
	waitFor(t, func() bool { return len(sess.sentAudio()) == 1 })

	// One chunk of synthesized speech comes back.
	sess.events <- session.Audio{Data: make([]byte, 320), ItemID: "item-1", ContentIndex: 0}
	waitFor(t, func() bool { return len(link.sentMessages()) == 2 })

	sess.events <- session.Transcript{Role: "assistant", Text: "Good evening"}
	sess.events <- session.Transcript{Role: "user", Text: "Hi, table for two"}

	link.in <- []byte(`{"event":"stop"}`)

	if err := waitDone(t, errCh); err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	info, ok := registry.Info("CA456")
	if !ok {
		t.Fatal("call not registered under provider call sid")
	}
	if info.Status != call.StatusCompleted {
		t.Errorf("status = %q, want completed", info.Status)
	}
	if info.EndTime == nil {
		t.Error("completed call has no end time")
	}
	if info.ProviderRef != "CA456" {
		t.Errorf("provider ref = %q", info.ProviderRef)
	}
	if info.TranscriptLines != 2 {
		t.Errorf("transcript lines = %d, want 2", info.TranscriptLines)
	}

	lines := registry.Transcript("CA456")
	if lines[0] != "[assistant] Good evening" {
		t.Errorf("transcript line = %q", lines[0])
	}

	// Decoded at equal rates, 400 companded bytes become 800 PCM bytes.
	if got := len(sess.sentAudio()[0]); got != 800 {
		t.Errorf("forwarded PCM bytes = %d, want 800", got)
	}

	tags := outboundEvents(t, link)
	if len(tags) != 2 || tags[0] != "media" || tags[1] != "mark" {
		t.Errorf("outbound events = %v, want [media mark]", tags)
	}

	if link.finalCloseCode() != CloseNormal {
		t.Errorf("close code = %d, want %d", link.finalCloseCode(), CloseNormal)
	}
}

func TestBridgeGreetsOnAttach(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	_, errCh := runBridge(t, link, sess, registry)

	link.in <- startJSON("MZ1", "CA1")
	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.greeted
	})

	link.in <- []byte(`{"event":"stop"}`)
	waitDone(t, errCh)
}

func TestBridgeMarkAckAndInterruption(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	b, errCh := runBridge(t, link, sess, registry)

	link.in <- startJSON("MZ1", "CA1")

	// 16000 PCM bytes is one second of audio at 8 kHz.
	sess.events <- session.Audio{Data: make([]byte, 16000), ItemID: "item-7", ContentIndex: 0}
	waitFor(t, func() bool { return len(link.sentMessages()) == 2 })

	// Acknowledge the mark the bridge just minted.
	var mark struct {
		Mark struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(link.sentMessages()[1], &mark); err != nil {
		t.Fatalf("decode mark: %v", err)
	}
	link.in <- []byte(fmt.Sprintf(`{"event":"mark","mark":{"name":%q}}`, mark.Mark.Name))

	waitFor(t, func() bool { return b.tracker.PendingCount() == 0 })

	// Caller barges in: expect a clear message and a truncation at the
	// played position.
	sess.events <- session.AudioInterrupted{}
	waitFor(t, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.truncates) == 1
	})

	tags := outboundEvents(t, link)
	if tags[len(tags)-1] != "clear" {
		t.Errorf("last outbound event = %q, want clear", tags[len(tags)-1])
	}

	sess.mu.Lock()
	tr := sess.truncates[0]
	sess.mu.Unlock()
	if tr.itemID != "item-7" {
		t.Errorf("truncated item = %q", tr.itemID)
	}
	if tr.audioEnd != time.Second {
		t.Errorf("audio end = %v, want 1s", tr.audioEnd)
	}

	link.in <- []byte(`{"event":"stop"}`)
	waitDone(t, errCh)
}

func TestBridgeSessionErrorFailsCall(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	_, errCh := runBridge(t, link, sess, registry)

	link.in <- startJSON("MZ1", "CA9")
	sess.events <- session.Error{Reason: "model overloaded"}

	if err := waitDone(t, errCh); err == nil {
		t.Error("expected error from Run after session error")
	}

	info, _ := registry.Info("CA9")
	if info.Status != call.StatusFailed {
		t.Errorf("status = %q, want failed", info.Status)
	}
	if info.ErrorReason != "model overloaded" {
		t.Errorf("error reason = %q", info.ErrorReason)
	}
	if link.finalCloseCode() != CloseError {
		t.Errorf("close code = %d, want %d", link.finalCloseCode(), CloseError)
	}
}

func TestBridgeStopWhileSessionActive(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	b, errCh := runBridge(t, link, sess, registry)

	link.in <- startJSON("MZ1", "CA2")

	// Keep the session side busy while stop arrives.
	for i := 0; i < 10; i++ {
		sess.events <- session.Audio{Data: make([]byte, 160), ItemID: "item-1", ContentIndex: 0}
	}
	link.in <- []byte(`{"event":"stop"}`)

	if err := waitDone(t, errCh); err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	if b.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", b.CurrentState())
	}

	info, _ := registry.Info("CA2")
	if !info.Status.Terminal() {
		t.Errorf("status = %q, want terminal", info.Status)
	}
	if info.EndTime == nil {
		t.Error("terminal call has no end time")
	}
}

func TestBridgeMalformedMessagesAreSkipped(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	_, errCh := runBridge(t, link, sess, registry)

	link.in <- []byte(`not json at all`)
	link.in <- []byte(`{"event":"alien"}`)
	link.in <- startJSON("MZ1", "CA3")
	link.in <- []byte(`{"event":"media","media":{"payload":"!!!"}}`)
	link.in <- []byte(`{"event":"dtmf","dtmf":{"digit":"5"}}`)
	link.in <- []byte(`{"event":"stop"}`)

	if err := waitDone(t, errCh); err != nil {
		t.Errorf("Run returned error: %v", err)
	}

	info, _ := registry.Info("CA3")
	if info.Status != call.StatusCompleted {
		t.Errorf("status = %q, want completed", info.Status)
	}
}

func TestBridgeStopBeforeStart(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	sess := newFakeSession()
	_, errCh := runBridge(t, link, sess, registry)

	link.in <- []byte(`{"event":"stop"}`)

	if err := waitDone(t, errCh); err == nil {
		t.Error("expected error when stream stops before start")
	}
	if _, total := registry.Count(); total != 0 {
		t.Errorf("registered calls = %d, want 0", total)
	}
}

func TestBridgeSessionFactoryFailure(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	link := newFakeLink()
	factory := func(StartInfo) (session.Session, error) {
		return nil, fmt.Errorf("dial refused")
	}
	b := New(link, registry, factory, testConfig(), quietLogger(), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()

	link.in <- startJSON("MZ1", "CA4")

	if err := waitDone(t, errCh); err == nil {
		t.Error("expected error when session construction fails")
	}

	info, _ := registry.Info("CA4")
	if info.Status != call.StatusFailed {
		t.Errorf("status = %q, want failed", info.Status)
	}
	if link.finalCloseCode() != CloseError {
		t.Errorf("close code = %d, want %d", link.finalCloseCode(), CloseError)
	}
}

// Only one test may construct the metrics set: promauto registers with the
// default registerer and a second registration panics.
func TestBridgeRecordsMetrics(t *testing.T) {
	registry := call.NewRegistry(nil, 0, quietLogger())
	defer registry.Stop()

	m := metrics.NewMetrics()

	link := newFakeLink()
	sess := newFakeSession()
	factory := func(StartInfo) (session.Session, error) { return sess, nil }
	b := New(link, registry, factory, testConfig(), quietLogger(), m)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(context.Background()) }()

	link.in <- startJSON("MZ1", "CA8")

	// One threshold's worth of inbound audio must count as a threshold
	// flush.
	link.in <- mediaJSON(b64(bytes.Repeat([]byte{0xFF}, 400)))
	waitFor(t, func() bool { return len(sess.sentAudio()) == 1 })

	if got := testutil.ToFloat64(m.BufferFlushes.WithLabelValues("threshold")); got != 1 {
		t.Errorf("threshold flushes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesReceived); got != 1 {
		t.Errorf("frames received = %v, want 1", got)
	}

	// A minted mark raises the outstanding gauge, its ack lowers it.
	sess.events <- session.Audio{Data: make([]byte, 320), ItemID: "item-1", ContentIndex: 0}
	waitFor(t, func() bool { return len(link.sentMessages()) == 2 })

	if got := testutil.ToFloat64(m.MarksOutstanding); got != 1 {
		t.Errorf("marks outstanding = %v, want 1", got)
	}

	var mark struct {
		Mark struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(link.sentMessages()[1], &mark); err != nil {
		t.Fatalf("decode mark: %v", err)
	}
	link.in <- []byte(fmt.Sprintf(`{"event":"mark","mark":{"name":%q}}`, mark.Mark.Name))
	waitFor(t, func() bool { return b.tracker.PendingCount() == 0 })

	if got := testutil.ToFloat64(m.MarksOutstanding); got != 0 {
		t.Errorf("marks outstanding after ack = %v, want 0", got)
	}

	link.in <- []byte(`{"event":"stop"}`)
	waitDone(t, errCh)

	if got := testutil.ToFloat64(m.CallsCompleted); got != 1 {
		t.Errorf("calls completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveCalls); got != 0 {
		t.Errorf("active calls after finish = %v, want 0", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
