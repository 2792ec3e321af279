package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atriumhq/atrium/internal/buildinfo"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{
		"name":    "Atrium",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, buildinfo.Info())
}

// handleHealthz reports component readiness from the connwatch
// watchers plus a few live counters. Overall status degrades when any
// watched dependency is down; the endpoint itself always answers 200
// so load balancers can read the detail.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"version":        buildinfo.Version,
		"uptime_seconds": int64(buildinfo.Uptime().Seconds()),
	}

	if s.registry != nil {
		payload["active_sessions"] = s.registry.Len()
	}
	if s.tokens != nil {
		in, out, requests := s.tokens.Snapshot()
		payload["tokens_today"] = in + out
		payload["requests_today"] = requests
	}
	if s.watchers != nil {
		components := s.watchers.Status()
		payload["components"] = components
		for _, c := range components {
			if !c.Ready {
				payload["status"] = "degraded"
				break
			}
		}
	}

	s.writeJSON(w, payload)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelView struct {
		Name          string `json:"name"`
		Provider      string `json:"provider"`
		SupportsTools bool   `json:"supports_tools"`
		ContextWindow int    `json:"context_window,omitempty"`
	}

	models := make([]modelView, 0, len(s.models))
	for _, m := range s.models {
		models = append(models, modelView{
			Name:          m.Name,
			Provider:      m.Provider,
			SupportsTools: m.SupportsTools,
			ContextWindow: m.ContextWindow,
		})
	}

	s.writeJSON(w, map[string]any{
		"default": s.defaultModel,
		"models":  models,
		"count":   len(models),
	})
}

// handleEvents streams the ops event bus as SSE. Slow consumers miss
// events rather than backpressuring publishers; this is a diagnostic
// feed, not a durable log.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	rc := http.NewResponseController(w)
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Debug("failed to marshal ops event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil {
				s.logger.Debug("failed to reset write deadline", "error", err)
			}
		}
	}
}
