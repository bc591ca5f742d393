package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lethiess/ai-concierge/internal/bridge"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The telephony provider connects from its own infrastructure; origin
	// checks do not apply to server-to-server websockets.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsLink adapts a websocket connection to the bridge's Link interface.
// Gorilla allows one concurrent writer, so writes are serialized here.
type wsLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (l *wsLink) ReadMessage() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	return data, err
}

func (l *wsLink) WriteMessage(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) Close(code int, reason string) error {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		l.writeMu.Unlock()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// handleMediaStream accepts a telephony media stream connection and runs a
// bridge for it until the call ends.
func (h *HTTPServer) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if h.activeBridges.Load() >= int64(h.config.Server.MaxConcurrentCalls) {
		h.logger.Warn("rejecting media stream, call capacity reached",
			slog.Int("max_concurrent_calls", h.config.Server.MaxConcurrentCalls))
		http.Error(w, "Too many concurrent calls", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	h.activeBridges.Add(1)
	defer h.activeBridges.Add(-1)

	h.logger.Info("media stream connected", slog.String("remote", r.RemoteAddr))

	b := bridge.New(&wsLink{conn: conn}, h.registry, h.factory, bridge.Config{
		NativeSampleRate:  h.config.Audio.NativeSampleRate,
		SessionSampleRate: h.config.Session.SampleRate,
		BufferThreshold:   h.config.Audio.BufferThresholdBytes(),
		BufferInterval:    h.config.Audio.GetBufferDuration(),
	}, h.logger, h.metrics)

	if err := b.Run(r.Context()); err != nil {
		h.logger.Warn("bridge ended with error", slog.String("error", err.Error()))
	}
}
