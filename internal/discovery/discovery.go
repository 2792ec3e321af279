// Package discovery resolves an MCP endpoint from the caller's own
// network address: the Revit add-in usually runs its MCP server on the
// same machine the chat client connects from, so a probe of
// host:well-known-port is enough to find it. A binding is installed
// only after a healthy probe; failed discovery never touches the
// session registry.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/atriumhq/atrium/internal/mcp"
	"github.com/atriumhq/atrium/internal/session"
)

// Well-known ports the Revit MCP server family listens on, by
// transport.
const (
	DefaultHTTPPort = 8000
	DefaultSSEPort  = 8010
	DefaultPath     = "/mcp"
)

// Hints narrow the search. Zero values fall back to the transport's
// defaults.
type Hints struct {
	Transport mcp.TransportKind
	Port      int
	Path      string
}

// ResolutionError reports why discovery failed, carrying the candidate
// endpoint that was tried and the probe outcome.
type ResolutionError struct {
	Candidate string
	Status    mcp.ProbeStatus
	Detail    string
}

func (e *ResolutionError) Error() string {
	if e.Candidate == "" {
		return fmt.Sprintf("discovery failed: %s", e.Detail)
	}
	return fmt.Sprintf("discovery failed for %s: %s (%s)", e.Candidate, e.Status, e.Detail)
}

// Resolver probes candidate endpoints and installs healthy bindings in
// the session registry.
type Resolver struct {
	registry     *session.Registry
	probeTimeout time.Duration
	logger       *slog.Logger

	// probe is mcp.Probe, overridable in tests.
	probe func(ctx context.Context, d mcp.Descriptor, logger *slog.Logger) mcp.ProbeResult
}

// Config configures a Resolver.
type Config struct {
	Registry *session.Registry
	// ProbeTimeout bounds the single probe round trip (default 5s).
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(cfg Config) *Resolver {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry:     cfg.Registry,
		probeTimeout: cfg.ProbeTimeout,
		logger:       logger.With("component", "discovery"),
		probe:        mcp.Probe,
	}
}

// Resolve builds a candidate endpoint from the caller's observed
// address and the hints, probes it, and on a healthy answer installs
// the binding for the session and returns its snapshot. Any other
// outcome returns a *ResolutionError and leaves the registry untouched.
func (r *Resolver) Resolve(ctx context.Context, sessionID, callerAddr string, hints Hints) (session.Binding, error) {
	desc, err := r.candidate(callerAddr, hints)
	if err != nil {
		return session.Binding{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	result := r.probe(probeCtx, desc, r.logger)
	if result.Status != mcp.StatusHealthy {
		r.logger.Info("discovery probe failed",
			"session_id", sessionID,
			"candidate", desc.URL,
			"status", result.Status,
			"detail", result.Detail,
		)
		return session.Binding{}, &ResolutionError{
			Candidate: desc.URL,
			Status:    result.Status,
			Detail:    result.Detail,
		}
	}

	sess := r.registry.Get(sessionID)
	sess.SetBinding(desc)
	r.logger.Info("discovered MCP endpoint",
		"session_id", sessionID,
		"endpoint", desc.URL,
		"transport", desc.Kind,
		"server_name", result.ServerName,
		"latency_ms", result.LatencyMS,
	)

	binding, _ := sess.GetBinding()
	return binding, nil
}

// candidate derives the endpoint to probe from the caller's address
// and the hints.
func (r *Resolver) candidate(callerAddr string, hints Hints) (mcp.Descriptor, error) {
	kind := hints.Transport
	if kind == "" {
		kind = mcp.TransportStreamableHTTP
	}

	var port int
	switch kind {
	case mcp.TransportStreamableHTTP:
		port = DefaultHTTPPort
	case mcp.TransportSSE:
		port = DefaultSSEPort
	case mcp.TransportStdio:
		return mcp.Descriptor{}, &ResolutionError{
			Detail: "auto-discovery is undefined for stdio transports",
		}
	default:
		return mcp.Descriptor{}, &ResolutionError{
			Detail: fmt.Sprintf("unknown transport %q", kind),
		}
	}
	if hints.Port > 0 {
		port = hints.Port
	}

	path := hints.Path
	if path == "" {
		path = DefaultPath
	}
	if path[0] != '/' {
		path = "/" + path
	}

	host, _, err := net.SplitHostPort(callerAddr)
	if err != nil {
		// Bare host without a port is fine too.
		host = callerAddr
	}
	if host == "" {
		return mcp.Descriptor{}, &ResolutionError{
			Detail: "caller address has no host",
		}
	}

	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
	return mcp.Descriptor{Kind: kind, URL: url}, nil
}
