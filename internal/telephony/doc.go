// Package telephony implements the Twilio Media Streams JSON wire protocol.
// Inbound messages are decoded once at the socket boundary into a closed set
// of typed events; outbound media, mark, and clear messages are built here so
// the bridge never touches raw JSON.
package telephony
