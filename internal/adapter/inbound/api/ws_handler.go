package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	// The dashboard is served from arbitrary origins during development;
	// bearer auth on the upgrade request is the access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams decision and result
// notifications. The path's session_id narrows the stream to one session;
// the bare /ws endpoint receives all sessions. Delivery is lossy under
// backpressure; the audit log is the durable record.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "broadcaster not configured", nil)
		return
	}

	sessionID := r.PathValue("session_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		loggerFromContext(r.Context(), s.logger).Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	subID, ch := s.broadcaster.Subscribe(sessionID)
	defer s.broadcaster.Unsubscribe(subID)

	logger := loggerFromContext(r.Context(), s.logger)
	logger.Debug("websocket subscriber connected", "session_id", sessionID, "subscription_id", subID)

	// Read pump: the client sends no application data, but reading is
	// required to process close and pong control frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
