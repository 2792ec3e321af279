// Package connector owns the live binding between one chat session and
// one MCP endpoint. A Connector realizes exactly one endpoint
// descriptor: it dials lazily on first use (or eagerly via Connect),
// caches the negotiated tool list, invokes tools with bounded
// timeouts, and survives transport failures by degrading instead of
// dying. At most one connect attempt is ever in flight per Connector;
// concurrent callers join the attempt rather than starting duplicates.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium/internal/mcp"
)

// State is the connector lifecycle state.
type State int

const (
	// StateConfigured means the descriptor is set but no connection
	// has been attempted (or a probe reset a degraded connector).
	StateConfigured State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateConnected means the handshake completed and tools are known.
	StateConnected
	// StateDegraded means the last transport operation failed; the
	// configuration is retained for retry.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrClosed is returned for any operation on a closed connector.
var ErrClosed = errors.New("connector closed")

// Error kinds recorded on an Invocation. Timeouts are classified
// separately from tool failures so logs can tell them apart, even
// though the turn loop treats both as tool-level errors.
const (
	ErrKindTool      = "tool"
	ErrKindTimeout   = "timeout"
	ErrKindTransport = "transport"
	ErrKindProtocol  = "protocol"
)

// Invocation is the record of one tool call: what was asked, what came
// back, and when. It lives for a single turn and is never persisted.
type Invocation struct {
	ID          string
	Tool        string
	Args        map[string]any
	Result      string
	Err         error
	ErrKind     string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Failed reports whether the invocation produced an error of any kind.
func (inv Invocation) Failed() bool { return inv.Err != nil }

// Config configures a Connector.
type Config struct {
	// SessionID identifies the owning chat session (logging only).
	SessionID string
	// Descriptor names the endpoint this connector realizes.
	Descriptor mcp.Descriptor
	// ConnectTimeout bounds a connect attempt, including the
	// initialize handshake and tool listing (default 15s).
	ConnectTimeout time.Duration
	// InvokeTimeout bounds a single tool call (default 10s).
	InvokeTimeout time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Connector realizes one MCP endpoint descriptor for one session.
type Connector struct {
	sessionID      string
	desc           mcp.Descriptor
	connectTimeout time.Duration
	invokeTimeout  time.Duration
	logger         *slog.Logger

	// newTransport builds the wire transport for a dial attempt.
	// Overridable in tests.
	newTransport func(mcp.Descriptor, *slog.Logger) (mcp.Transport, error)

	mu         sync.Mutex
	state      State
	client     *mcp.Client
	tools      []mcp.ToolDefinition
	connecting chan struct{} // non-nil while a connect attempt is in flight
	connectErr error         // outcome of the last connect attempt
}

// New creates a Connector in the Configured state. No connection is
// attempted until Connect, Tools, or Invoke is called.
func New(cfg Config) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		sessionID:      cfg.SessionID,
		desc:           cfg.Descriptor,
		connectTimeout: cfg.ConnectTimeout,
		invokeTimeout:  cfg.InvokeTimeout,
		logger: logger.With(
			"component", "connector",
			"session_id", cfg.SessionID,
			"endpoint", cfg.Descriptor.Endpoint(),
		),
		newTransport: mcp.NewTransport,
		state:        StateConfigured,
	}
}

// Descriptor returns the endpoint descriptor this connector realizes.
func (c *Connector) Descriptor() mcp.Descriptor { return c.desc }

// State returns the current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect eagerly establishes the connection. Safe to call
// concurrently: callers join the single in-flight attempt.
func (c *Connector) Connect(ctx context.Context) error {
	return c.ensureConnected(ctx)
}

// Tools returns the negotiated tool list, connecting first if needed.
func (c *Connector) Tools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tools := make([]mcp.ToolDefinition, len(c.tools))
	copy(tools, c.tools)
	return tools, nil
}

// Invoke calls a tool on the endpoint and always returns a completed
// Invocation. Failures are recorded on the Invocation rather than
// returned separately: a tool-reported failure or a timeout leaves the
// connector Connected, while a transport failure degrades it, retries
// the connection once, and retries the call once before giving up.
func (c *Connector) Invoke(ctx context.Context, tool string, args map[string]any) Invocation {
	inv := Invocation{
		ID:        newInvocationID(),
		Tool:      tool,
		Args:      args,
		StartedAt: time.Now(),
	}

	result, err := c.invoke(ctx, tool, args)
	inv.CompletedAt = time.Now()
	inv.Result = result
	if err != nil {
		inv.Err = err
		inv.ErrKind = classify(err)
		logAttrs := []any{
			"tool", tool,
			"invocation_id", inv.ID,
			"error_kind", inv.ErrKind,
			"error", err,
			"elapsed", inv.CompletedAt.Sub(inv.StartedAt),
		}
		if inv.ErrKind == ErrKindTimeout {
			c.logger.Warn("tool invocation timed out", logAttrs...)
		} else {
			c.logger.Warn("tool invocation failed", logAttrs...)
		}
		return inv
	}

	c.logger.Debug("tool invocation complete",
		"tool", tool,
		"invocation_id", inv.ID,
		"elapsed", inv.CompletedAt.Sub(inv.StartedAt),
	)
	return inv
}

func (c *Connector) invoke(ctx context.Context, tool string, args map[string]any) (string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}

	result, err := c.callOnce(ctx, tool, args)
	if err == nil || !isTransportError(err) {
		return result, err
	}

	// Transport failure: degrade, reconnect once, retry the call once.
	c.markDegraded(err)
	if rerr := c.ensureConnected(ctx); rerr != nil {
		return "", err
	}
	result, err = c.callOnce(ctx, tool, args)
	if err != nil && isTransportError(err) {
		c.markDegraded(err)
	}
	return result, err
}

// callOnce issues a single tools/call bounded by the invoke timeout.
func (c *Connector) callOnce(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return "", ErrClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	result, err := client.CallTool(callCtx, tool, args)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return "", &mcp.TimeoutError{Op: "tools/call " + tool, Timeout: c.invokeTimeout, Err: err}
	}
	return result, err
}

// ensureConnected drives the state machine to Connected, joining an
// in-flight attempt if one exists. One caller's cancellation does not
// abort the attempt other callers wait on: the dial runs on a detached
// context bounded only by the connect timeout.
func (c *Connector) ensureConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateClosed:
			c.mu.Unlock()
			return ErrClosed

		case StateConnected:
			c.mu.Unlock()
			return nil

		case StateConnecting:
			done := c.connecting
			c.mu.Unlock()
			select {
			case <-done:
				c.mu.Lock()
				state := c.state
				err := c.connectErr
				c.mu.Unlock()
				switch state {
				case StateConnected:
					return nil
				case StateClosed:
					return ErrClosed
				case StateConnecting:
					// A fresh attempt started before we woke; join it.
					continue
				default:
					if err == nil {
						err = fmt.Errorf("connect %s failed", c.desc.Endpoint())
					}
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateConfigured, StateDegraded:
			done := make(chan struct{})
			c.connecting = done
			c.state = StateConnecting
			c.mu.Unlock()
			go c.dial(done)
			// Loop back to the StateConnecting branch to wait.
		}
	}
}

// dial performs one connect attempt: build the transport, run the
// initialize handshake, list tools. It publishes the outcome under the
// lock and signals all waiters via done.
func (c *Connector) dial(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	var client *mcp.Client
	var tools []mcp.ToolDefinition

	transport, err := c.newTransport(c.desc, c.logger)
	if err == nil {
		client = mcp.NewClient(c.desc.Endpoint(), transport, c.logger)
		err = client.Initialize(ctx)
	}
	if err == nil {
		tools, err = client.ListTools(ctx)
	}

	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		close(done)
	}()

	c.connecting = nil

	if c.state == StateClosed {
		// Closed while connecting; discard whatever we built.
		if client != nil {
			client.Close()
		}
		c.connectErr = ErrClosed
		return
	}

	if err != nil {
		if client != nil {
			client.Close()
		}
		c.connectErr = err
		c.state = StateDegraded
		c.logger.Warn("connect attempt failed", "error", err)
		return
	}

	c.client = client
	c.tools = tools
	c.connectErr = nil
	c.state = StateConnected
	c.logger.Info("connected to MCP endpoint", "tools", len(tools))
}

// markDegraded transitions Connected→Degraded and drops the dead
// client so the next attempt dials fresh.
func (c *Connector) markDegraded(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.state = StateDegraded
	c.connectErr = err
	c.logger.Warn("connector degraded", "error", err)
}

// Probe checks endpoint health without requiring a connected client.
// A Healthy result resets a Degraded connector to Configured so the
// next invocation retries the connection.
func (c *Connector) Probe(ctx context.Context) mcp.ProbeResult {
	result := mcp.Probe(ctx, c.desc, c.logger)

	if result.Status == mcp.StatusHealthy {
		c.mu.Lock()
		if c.state == StateDegraded {
			c.state = StateConfigured
			c.connectErr = nil
		}
		c.mu.Unlock()
	}
	return result
}

// Close shuts down the connector and its transport. Idempotent and
// safe from any state; a connect attempt in flight discards its result.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	client := c.client
	c.client = nil
	c.tools = nil
	c.state = StateClosed
	c.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// classify maps an error to its Invocation kind.
func classify(err error) string {
	var timeoutErr *mcp.TimeoutError
	if errors.As(err, &timeoutErr) {
		return ErrKindTimeout
	}
	var toolErr *mcp.ToolError
	if errors.As(err, &toolErr) {
		return ErrKindTool
	}
	var protoErr *mcp.ProtocolError
	if errors.As(err, &protoErr) {
		return ErrKindProtocol
	}
	return ErrKindTransport
}

// isTransportError reports whether err warrants a reconnect. Tool
// failures are data, protocol violations are never retried, and
// timeouts are the tool being slow rather than the pipe being broken.
func isTransportError(err error) bool {
	var connectErr *mcp.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var toolErr *mcp.ToolError
	var protoErr *mcp.ProtocolError
	var timeoutErr *mcp.TimeoutError
	if errors.As(err, &toolErr) || errors.As(err, &protoErr) || errors.As(err, &timeoutErr) {
		return false
	}
	// Context cancellation from the caller is not a transport fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// newInvocationID returns a time-ordered unique id for a tool call.
func newInvocationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
