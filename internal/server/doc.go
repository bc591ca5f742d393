// Package server implements the HTTP server: the websocket media-stream
// endpoint that feeds call bridges, plus monitoring and management
// endpoints for call status, configuration and statistics.
package server
