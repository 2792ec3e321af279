// Package api implements the Atrium HTTP surface: session REST, the
// Revit MCP binding endpoints, the duplex chat stream, and the ops
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/internal/archive"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/connwatch"
	"github.com/atriumhq/atrium/internal/discovery"
	"github.com/atriumhq/atrium/internal/events"
	"github.com/atriumhq/atrium/internal/orchestrator"
	"github.com/atriumhq/atrium/internal/session"
)

// TurnRunner drives one orchestration turn for a session, emitting
// ordered stream events through emit. Satisfied by
// *orchestrator.Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, sessionID, userMessage, model string, emit orchestrator.EmitFunc) error
}

// TokenReporter exposes daily token totals for the healthz payload.
type TokenReporter interface {
	Snapshot() (input, output, requests int64)
}

// Config wires the server's collaborators. Registry and Runner are
// required; everything else degrades gracefully when nil.
type Config struct {
	Address string
	Port    int

	Runner   TurnRunner
	Registry *session.Registry
	Resolver *discovery.Resolver
	Archive  *archive.Store
	Bus      *events.Bus
	Watchers *connwatch.Manager
	Tokens   TokenReporter

	DefaultModel string
	Models       []config.ModelConfig

	// ProbeTimeout bounds health-probe round trips (default 5s).
	ProbeTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	runner       TurnRunner
	registry     *session.Registry
	resolver     *discovery.Resolver
	archive      *archive.Store
	bus          *events.Bus
	watchers     *connwatch.Manager
	tokens       TokenReporter
	defaultModel string
	models       []config.ModelConfig
	probeTimeout time.Duration
	logger       *slog.Logger
	server       *http.Server
	upgrader     websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Server{
		address:      cfg.Address,
		port:         cfg.Port,
		runner:       cfg.Runner,
		registry:     cfg.Registry,
		resolver:     cfg.Resolver,
		archive:      cfg.Archive,
		bus:          cfg.Bus,
		watchers:     cfg.Watchers,
		tokens:       cfg.Tokens,
		defaultModel: cfg.DefaultModel,
		models:       cfg.Models,
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The stream carries no browser credentials; bindings are
			// per session id, so cross-origin pages are acceptable.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session REST
	mux.HandleFunc("POST /chat", s.handleSessionCreate)
	mux.HandleFunc("GET /chat", s.handleSessionList)
	mux.HandleFunc("DELETE /chat/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /chat/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /chat/{id}/export", s.handleSessionExport)

	// Chat turns
	mux.HandleFunc("GET /chat/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /chat/{id}/message", s.handleMessage)

	// Revit MCP binding
	mux.HandleFunc("POST /chat/{id}/revit", s.handleBindingSet)
	mux.HandleFunc("GET /chat/{id}/revit", s.handleBindingGet)
	mux.HandleFunc("POST /chat/{id}/revit/auto", s.handleBindingAuto)
	mux.HandleFunc("GET /chat/{id}/revit/health", s.handleBindingHealth)
	mux.HandleFunc("GET /revit/health", s.handleAdhocHealth)

	// Ops
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the chat stream and SSE endpoints are
		// long-lived; per-event deadlines are managed with
		// http.NewResponseController instead.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}
