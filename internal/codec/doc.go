// Package codec implements G.711 mu-law companding and sample-rate conversion
// for bridging 8kHz telephony audio with linear PCM16 realtime sessions.
// All functions are stateless; the composite converters never fail on bad
// input and instead return an empty result so a dropped chunk cannot kill a call.
package codec
