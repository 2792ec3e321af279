package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/internal/orchestrator"
)

// maxInboundFrame bounds a single user message frame.
const maxInboundFrame = 1 << 20

// streamInbound is one client frame on the chat stream: a user message
// and an optional model override for the turn.
type streamInbound struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// handleStream is the duplex chat stream. Inbound frames carry user
// messages; outbound frames are the turn's StreamEvents in emission
// order. Turns run synchronously inside the read loop, so frames for a
// session never interleave out of order. A write failure cancels the
// in-flight turn; the session itself stays usable for a reconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.registry.Get(id)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err, "session_id", id)
		return
	}
	defer ws.Close()

	ws.SetReadLimit(maxInboundFrame)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.With("session_id", id)
	logger.Info("chat stream opened", "remote", r.RemoteAddr)

	for {
		var in streamInbound
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("chat stream read failed", "error", err)
			}
			logger.Info("chat stream closed")
			return
		}
		if in.Message == "" {
			s.writeEvent(ws, cancel, orchestrator.Event{
				Kind:      orchestrator.EventError,
				Error:     "message is required",
				ErrorKind: "request",
			})
			continue
		}

		emit := func(ev orchestrator.Event) {
			s.writeEvent(ws, cancel, ev)
		}
		if err := s.runner.RunTurn(ctx, id, in.Message, in.Model, emit); err != nil {
			if ctx.Err() != nil {
				return
			}
			kind := "turn"
			if orchestrator.IsTurnActive(err) {
				kind = "busy"
			}
			s.writeEvent(ws, cancel, orchestrator.Event{
				Kind:      orchestrator.EventError,
				Error:     err.Error(),
				ErrorKind: kind,
			})
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// writeEvent sends one event frame. On write failure it cancels the
// turn context so the orchestrator stops generating for a dead client.
func (s *Server) writeEvent(ws *websocket.Conn, cancel context.CancelFunc, ev orchestrator.Event) {
	if err := ws.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		cancel()
		return
	}
	if err := ws.WriteJSON(ev); err != nil {
		s.logger.Debug("chat stream write failed", "error", err)
		cancel()
	}
}
