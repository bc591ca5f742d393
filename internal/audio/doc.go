// Package audio implements inbound audio accumulation for the stream bridge.
// Telephony frames are batched until a duration-based threshold is reached or
// a periodic stale check fires, bounding both session write rate and
// worst-case latency.
package audio
