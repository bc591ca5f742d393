// Package playback correlates outbound audio chunks with telephony mark
// acknowledgements so the exact playback position is known when the caller
// interrupts the assistant mid-utterance.
package playback
