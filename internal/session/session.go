package session

import "time"

// Event is a typed event emitted by a conversational session. The concrete
// types below are the full set a consumer has to handle.
type Event interface {
	sessionEvent()
}

// Audio carries one chunk of synthesized speech. Data is linear PCM16
// little-endian at the session sample rate. ItemID and ContentIndex identify
// the utterance segment the chunk belongs to, for playback accounting.
type Audio struct {
	Data         []byte
	ItemID       string
	ContentIndex int
}

// AudioInterrupted signals caller barge-in: the session detected the caller
// speaking while synthesized audio was still playing.
type AudioInterrupted struct{}

// Transcript carries one finalized line of conversation text.
type Transcript struct {
	Role string // "user" or "assistant"
	Text string
}

// Error reports a session-level failure. The session is unusable afterwards.
type Error struct {
	Reason string
}

// Done signals that the session's event stream has ended.
type Done struct{}

func (Audio) sessionEvent()            {}
func (AudioInterrupted) sessionEvent() {}
func (Transcript) sessionEvent()       {}
func (Error) sessionEvent()            {}
func (Done) sessionEvent()             {}

// Session is a live conversational voice session.
type Session interface {
	// SendAudio writes caller audio into the session. Data is linear PCM16
	// little-endian at the session sample rate.
	SendAudio(data []byte) error

	// Greet asks the session to produce its opening utterance. Called once,
	// right after the bridge attaches.
	Greet() error

	// Truncate tells the session how much of an utterance segment the
	// caller actually heard, so it can cut its conversation history at the
	// interruption point.
	Truncate(itemID string, contentIndex int, audioEnd time.Duration) error

	// Events returns the stream of session events. The channel is closed
	// after a Done or Error event, or when the session is closed.
	Events() <-chan Event

	// Close tears the session down. Safe to call more than once.
	Close() error
}
