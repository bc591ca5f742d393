package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire event names used by Twilio Media Streams.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventDTMF      = "dtmf"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)

// Event is an inbound media-stream event. The set of implementations is
// closed: Connected, Start, Media, DTMF, Mark, Stop.
type Event interface {
	event()
}

// ConnectedEvent signals that the media stream websocket is established.
// It carries no payload.
type ConnectedEvent struct{}

// StartEvent carries the stream and call identifiers plus the custom
// parameters configured on the <Stream> TwiML verb.
type StartEvent struct {
	StreamSID    string
	CallSID      string
	CustomParams map[string]string
}

// MediaEvent carries one frame of mu-law audio, already base64-decoded.
type MediaEvent struct {
	Payload []byte
}

// DTMFEvent carries a single keypress digit.
type DTMFEvent struct {
	Digit string
}

// MarkEvent acknowledges playback of a previously sent mark.
type MarkEvent struct {
	Name string
}

// StopEvent signals the end of the media stream.
type StopEvent struct{}

func (ConnectedEvent) event() {}
func (StartEvent) event()     {}
func (MediaEvent) event()     {}
func (DTMFEvent) event()      {}
func (MarkEvent) event()      {}
func (StopEvent) event()      {}

// wireMessage is the raw JSON envelope shared by all inbound messages.
type wireMessage struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID    string            `json:"streamSid"`
		CallSID      string            `json:"callSid"`
		CustomParams map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// ParseMessage decodes one inbound websocket text message into a typed event.
// Malformed JSON, unknown event names, and undecodable media payloads are
// returned as errors for the caller to log and skip.
func ParseMessage(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse media-stream message: %w", err)
	}

	switch msg.Event {
	case eventConnected:
		return ConnectedEvent{}, nil

	case eventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("start message missing start payload")
		}
		return StartEvent{
			StreamSID:    msg.Start.StreamSID,
			CallSID:      msg.Start.CallSID,
			CustomParams: msg.Start.CustomParams,
		}, nil

	case eventMedia:
		if msg.Media == nil {
			return nil, fmt.Errorf("media message missing media payload")
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode media payload: %w", err)
		}
		return MediaEvent{Payload: payload}, nil

	case eventDTMF:
		if msg.DTMF == nil {
			return nil, fmt.Errorf("dtmf message missing dtmf payload")
		}
		return DTMFEvent{Digit: msg.DTMF.Digit}, nil

	case eventMark:
		if msg.Mark == nil {
			return nil, fmt.Errorf("mark message missing mark payload")
		}
		return MarkEvent{Name: msg.Mark.Name}, nil

	case eventStop:
		return StopEvent{}, nil

	default:
		return nil, fmt.Errorf("unknown media-stream event: %q", msg.Event)
	}
}

// outboundMedia is the wire form of an outbound media message.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// outboundMark is the wire form of an outbound mark message.
type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// outboundClear is the wire form of an outbound clear message.
type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// MediaMessage builds an outbound media message carrying mu-law audio.
func MediaMessage(streamSID string, payload []byte) ([]byte, error) {
	msg := outboundMedia{Event: eventMedia, StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	return json.Marshal(msg)
}

// MarkMessage builds an outbound mark message for playback tracking.
func MarkMessage(streamSID, name string) ([]byte, error) {
	msg := outboundMark{Event: eventMark, StreamSID: streamSID}
	msg.Mark.Name = name
	return json.Marshal(msg)
}

// ClearMessage builds an outbound clear message that purges any audio the
// telephony side has buffered for playback.
func ClearMessage(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: eventClear, StreamSID: streamSID})
}
