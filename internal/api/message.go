package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atriumhq/atrium/internal/orchestrator"
)

// messageRequest is the POST /chat/{id}/message body.
type messageRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

// handleMessage runs one turn and streams its events as SSE frames,
// for clients that don't hold a WebSocket. The stream always ends with
// a "data: [DONE]" marker once events have started flowing.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	rc := http.NewResponseController(w)

	// Headers are staged but not sent until the first event; a turn
	// rejected before any output can still get a proper status code.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	streamed := false
	emit := func(ev orchestrator.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Debug("failed to marshal stream event", "error", err)
			return
		}
		streamed = true
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			s.logger.Debug("failed to write SSE frame", "error", err)
			return
		}
		flusher.Flush()

		// Reset the write deadline per event so long tool invocations
		// between tokens don't trip it.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	if err := s.runner.RunTurn(r.Context(), id, req.Message, req.Model, emit); err != nil {
		if !streamed {
			w.Header().Del("Content-Type")
			w.Header().Del("Cache-Control")
			w.Header().Del("X-Accel-Buffering")
			if orchestrator.IsTurnActive(err) {
				s.errorResponse(w, http.StatusConflict, err.Error())
				return
			}
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		emit(orchestrator.Event{
			Kind:      orchestrator.EventError,
			Error:     err.Error(),
			ErrorKind: "turn",
		})
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}
