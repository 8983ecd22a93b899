package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
)

// handleWebSocket upgrades the connection and streams bus events (state
// snapshots, run logs, steps, reports, notifications) in real time. On
// connect it sends the current state snapshot so clients render immediately.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WS upgrade error", slog.Any("error", err))
		return
	}

	s.log.Info("WebSocket connected", slog.String("remote", r.RemoteAddr))

	// Subscribe before sending the initial snapshot to avoid gaps.
	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	degraded, reason := s.controller.AuditDegraded()
	initial := Event{
		Type:      "state",
		Timestamp: time.Now().UTC(),
		Payload: Snapshot{
			Runner:        s.controller.RunnerState(),
			Autopilot:     s.controller.AutopilotState(),
			AuditDegraded: degraded,
			AuditReason:   reason,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(initial); err != nil {
		s.log.Warn("WS initial send failed", slog.Any("error", err))
		_ = conn.Close()
		return
	}

	// Set up pong handler for keepalive.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: drain client messages (none expected) and detect disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.log.Warn("WS read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	// Write pump: stream events and send pings.
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("WS write error", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
