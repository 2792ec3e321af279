package api

import (
	"fmt"
	"net/http"
	"time"
)

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Create()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]any{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	s.writeJSON(w, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Delete(r.PathValue("id")) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// historyMessage is one user/assistant exchange entry; system prompts
// and tool plumbing are not part of the client-visible transcript.
type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleSessionHistory returns the in-memory transcript. For sessions
// that have been swept from memory it falls back to the archive, so a
// client can still rehydrate an older conversation.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if sess, ok := s.registry.Lookup(id); ok {
		var msgs []historyMessage
		for _, m := range sess.History() {
			if m.Role == "user" || m.Role == "assistant" {
				msgs = append(msgs, historyMessage{Role: m.Role, Content: m.Content})
			}
		}
		s.writeJSON(w, map[string]any{"session_id": id, "messages": msgs})
		return
	}

	if s.archive == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	archived, err := s.archive.Messages(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "archive lookup: "+err.Error())
		return
	}
	if len(archived) == 0 {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	msgs := make([]historyMessage, 0, len(archived))
	for _, m := range archived {
		if m.Role == "user" || m.Role == "assistant" {
			msgs = append(msgs, historyMessage{Role: m.Role, Content: m.Content})
		}
	}
	s.writeJSON(w, map[string]any{"session_id": id, "messages": msgs, "archived": true})
}

// handleSessionExport serves the archived transcript as markdown
// (default) or rendered HTML.
func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	id := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "markdown"
	}

	switch format {
	case "markdown", "md":
		md, err := s.archive.ExportMarkdown(r.Context(), id)
		if err != nil {
			s.errorResponse(w, http.StatusNotFound, "export: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+shortID(id)+".md"))
		fmt.Fprint(w, md)

	case "html":
		html, err := s.archive.ExportHTML(r.Context(), id)
		if err != nil {
			s.errorResponse(w, http.StatusNotFound, "export: "+err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(html); err != nil {
			s.logger.Debug("failed to write HTML export", "error", err)
		}

	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use markdown or html)")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
