// Package session abstracts the cloud conversational voice session: a
// bidirectional event stream that accepts linear PCM audio writes and yields
// typed events (audio output, barge-in interruption, transcripts, errors).
// The realtime implementation speaks the provider's websocket protocol; the
// bridge only sees the Session interface.
package session
