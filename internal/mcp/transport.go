package mcp

import (
	"context"
	"fmt"
	"log/slog"
)

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific transport (stdio, streamable
// HTTP, or SSE).
type Transport interface {
	// Send sends a JSON-RPC request and returns the response.
	// The transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	Close() error
}

// NewTransport builds the transport a descriptor calls for. This is the
// only place that branches on transport kind; everything above it works
// against the Transport interface.
func NewTransport(d Descriptor, logger *slog.Logger) (Transport, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch d.Kind {
	case TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: d.Command,
			Args:    d.Args,
			Env:     d.Env,
			Logger:  logger,
		}), nil
	case TransportStreamableHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     d.URL,
			Headers: d.Headers,
			Logger:  logger,
		}), nil
	case TransportSSE:
		return NewSSETransport(SSEConfig{
			URL:     d.URL,
			Headers: d.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", d.Kind)
	}
}
