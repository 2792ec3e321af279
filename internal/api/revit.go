package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/atriumhq/atrium/internal/discovery"
	"github.com/atriumhq/atrium/internal/mcp"
	"github.com/atriumhq/atrium/internal/session"
)

// Header names for per-call binding overrides and discovery hints.
const (
	headerMCPURL       = "x-revit-mcp-url"
	headerMCPTransport = "x-revit-mcp-transport"
	headerMCPPort      = "x-revit-mcp-port"
	headerMCPPath      = "x-revit-mcp-path"
)

// bindingRequest is the POST /chat/{id}/revit body. Empty or absent
// fields clear the binding.
type bindingRequest struct {
	URL       string `json:"revit_mcp_url"`
	Transport string `json:"revit_mcp_transport"`
}

// bindingView is the JSON shape of a binding snapshot.
type bindingView struct {
	Transport string `json:"transport,omitempty"`
	URL       string `json:"url,omitempty"`
	Command   string `json:"command,omitempty"`
	State     string `json:"state,omitempty"`
}

func viewOf(b session.Binding) bindingView {
	v := bindingView{
		Transport: string(b.Descriptor.Kind),
		State:     b.State.String(),
	}
	if b.Descriptor.Kind == mcp.TransportStdio {
		v.Command = b.Descriptor.Endpoint()
	} else {
		v.URL = b.Descriptor.URL
	}
	return v
}

func (s *Server) handleBindingSet(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := r.PathValue("id")
	if strings.TrimSpace(req.URL) == "" {
		s.registry.Get(id).ClearBinding()
		s.writeJSON(w, map[string]string{"status": "cleared"})
		return
	}

	desc, err := mcp.DescriptorFromSettings(mcp.Settings{
		URL:       req.URL,
		Transport: req.Transport,
	})
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sess := s.registry.Get(id)
	sess.SetBinding(desc)
	binding, _ := sess.GetBinding()
	s.writeJSON(w, viewOf(binding))
}

func (s *Server) handleBindingGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Lookup(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, struct{}{})
		return
	}
	binding, ok := sess.GetBinding()
	if !ok {
		s.writeJSON(w, struct{}{})
		return
	}
	s.writeJSON(w, viewOf(binding))
}

// handleBindingAuto derives a candidate endpoint from the caller's
// remote address and binds it to the session when the probe succeeds.
func (s *Server) handleBindingAuto(w http.ResponseWriter, r *http.Request) {
	if s.resolver == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "auto-discovery not configured")
		return
	}

	var hints discovery.Hints
	if v := r.Header.Get(headerMCPTransport); v != "" {
		kind, err := mcp.ParseTransportKind(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		hints.Transport = kind
	}
	if v := r.Header.Get(headerMCPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			s.errorResponse(w, http.StatusBadRequest, "invalid "+headerMCPPort+" header")
			return
		}
		hints.Port = port
	}
	hints.Path = r.Header.Get(headerMCPPath)

	binding, err := s.resolver.Resolve(r.Context(), r.PathValue("id"), r.RemoteAddr, hints)
	if err != nil {
		var resErr *discovery.ResolutionError
		if errors.As(err, &resErr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			if encErr := json.NewEncoder(w).Encode(map[string]any{
				"error":     resErr.Error(),
				"candidate": resErr.Candidate,
				"status":    string(resErr.Status),
				"detail":    resErr.Detail,
			}); encErr != nil {
				s.logger.Debug("failed to write discovery error", "error", encErr)
			}
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, viewOf(binding))
}

// handleBindingHealth probes the session's saved binding. Per-call
// header overrides take precedence for this single call and never
// mutate the stored binding.
func (s *Server) handleBindingHealth(w http.ResponseWriter, r *http.Request) {
	if url := r.Header.Get(headerMCPURL); url != "" {
		s.probeAdhoc(w, r, url)
		return
	}

	sess, ok := s.registry.Lookup(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.probeTimeout)
	defer cancel()

	result, ok := sess.Probe(ctx)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no binding configured")
		return
	}
	s.writeJSON(w, result)
}

// handleAdhocHealth probes an endpoint named entirely by headers,
// independent of any session.
func (s *Server) handleAdhocHealth(w http.ResponseWriter, r *http.Request) {
	url := r.Header.Get(headerMCPURL)
	if url == "" {
		s.errorResponse(w, http.StatusBadRequest, headerMCPURL+" header is required")
		return
	}
	s.probeAdhoc(w, r, url)
}

func (s *Server) probeAdhoc(w http.ResponseWriter, r *http.Request, url string) {
	desc, err := mcp.DescriptorFromSettings(mcp.Settings{
		URL:       url,
		Transport: r.Header.Get(headerMCPTransport),
	})
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.probeTimeout)
	defer cancel()

	s.writeJSON(w, mcp.Probe(ctx, desc, s.logger))
}
