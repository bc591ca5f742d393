package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds realtime session configuration.
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	SampleRate   int

	// Server-side voice activity detection tuning.
	VADThreshold      float64
	PrefixPaddingMS   int
	SilenceDurationMS int

	WriteTimeout time.Duration
}

// Realtime is a Session implementation speaking the provider's realtime
// websocket protocol.
type Realtime struct {
	conn    *websocket.Conn
	config  Config
	logger  *slog.Logger
	events  chan Event
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// clientMessage is the envelope for messages sent to the provider.
type clientMessage struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	ItemID  string          `json:"item_id,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`

	ContentIndex *int `json:"content_index,omitempty"`
	AudioEndMS   *int `json:"audio_end_ms,omitempty"`
}

// serverMessage is the envelope for messages received from the provider.
// Only the fields the bridge consumes are decoded.
type serverMessage struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Error        struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Dial connects to the realtime endpoint, configures the session and starts
// the event reader.
func Dial(config Config, logger *slog.Logger) (*Realtime, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("session URL cannot be empty")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid session sample rate %d", config.SampleRate)
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	url := config.URL
	if config.Model != "" {
		url = fmt.Sprintf("%s?model=%s", config.URL, config.Model)
	}

	header := http.Header{}
	if config.APIKey != "" {
		header.Set("Authorization", "Bearer "+config.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("session dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("session dial failed: %w", err)
	}

	s := &Realtime{
		conn:   conn,
		config: config,
		logger: logger,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}

	if err := s.configure(); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()

	logger.Info("realtime session established",
		slog.String("model", config.Model),
		slog.Int("sample_rate", config.SampleRate))

	return s, nil
}

// configure sends the initial session.update with audio formats, voice and
// turn detection settings.
func (s *Realtime) configure() error {
	threshold := s.config.VADThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	prefixPadding := s.config.PrefixPaddingMS
	if prefixPadding <= 0 {
		prefixPadding = 300
	}
	silenceDuration := s.config.SilenceDurationMS
	if silenceDuration <= 0 {
		silenceDuration = 500
	}

	settings := map[string]any{
		"modalities":          []string{"audio", "text"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"voice":               s.config.Voice,
		"instructions":        s.config.Instructions,
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           threshold,
			"prefix_padding_ms":   prefixPadding,
			"silence_duration_ms": silenceDuration,
		},
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode session settings: %w", err)
	}

	return s.send(clientMessage{Type: "session.update", Session: raw})
}

// SendAudio appends caller audio to the session's input buffer.
func (s *Realtime) SendAudio(data []byte) error {
	return s.send(clientMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	})
}

// Greet triggers the session's opening utterance.
func (s *Realtime) Greet() error {
	return s.send(clientMessage{Type: "response.create"})
}

// Truncate cuts an utterance segment at the playback position the caller
// actually reached.
func (s *Realtime) Truncate(itemID string, contentIndex int, audioEnd time.Duration) error {
	ms := int(audioEnd.Milliseconds())
	return s.send(clientMessage{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: &contentIndex,
		AudioEndMS:   &ms,
	})
}

// Events returns the session event stream.
func (s *Realtime) Events() <-chan Event {
	return s.events
}

// Close shuts down the session connection. The read loop drains out and
// closes the event channel.
func (s *Realtime) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Realtime) send(msg clientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return fmt.Errorf("session closed")
	default:
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("session write failed: %w", err)
	}
	return nil
}

// readLoop translates provider messages into session events until the
// connection ends. It always emits a final Done and closes the channel.
func (s *Realtime) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("session read ended", slog.String("error", err.Error()))
				}
			}
			s.emit(Done{})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed session message", slog.String("error", err.Error()))
			continue
		}

		switch msg.Type {
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(msg.Delta)
			if err != nil {
				s.logger.Warn("bad audio delta encoding", slog.String("error", err.Error()))
				continue
			}
			s.emit(Audio{Data: audio, ItemID: msg.ItemID, ContentIndex: msg.ContentIndex})

		case "input_audio_buffer.speech_started":
			s.emit(AudioInterrupted{})

		case "response.audio_transcript.done":
			s.emit(Transcript{Role: "assistant", Text: msg.Transcript})

		case "conversation.item.input_audio_transcription.completed":
			s.emit(Transcript{Role: "user", Text: msg.Transcript})

		case "error":
			s.emit(Error{Reason: msg.Error.Message})
			s.emit(Done{})
			return

		default:
			// Housekeeping events the bridge has no use for.
		}
	}
}

// emit delivers an event unless the consumer has stopped draining and the
// session is shutting down.
func (s *Realtime) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
