package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atriumhq/atrium/internal/httpkit"
)

// maxResponseBytes caps how much of an MCP response body is read.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is sent as an HTTP POST; the response comes
// back in the response body, either as plain JSON or as a short SSE
// stream the server closes after the answer.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string // Mcp-Session-Id header for session affinity
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Tool calls can legitimately run long (a walk of a large building
	// model); per-call contexts bound each request, so the client itself
	// carries no overall timeout.
	transport := httpkit.NewTransport()
	transport.ResponseHeaderTimeout = 120 * time.Second
	// Endpoints ride along with desktop sessions; a short retry covers
	// the connection-refused window while an add-in restarts.
	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(transport),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// prepare builds a POST carrying one JSON-RPC message with the
// configured headers and the captured session ID applied.
func (t *HTTPTransport) prepare(ctx context.Context, payload []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	// Apply configured headers (auth, etc.).
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	// Include session ID if we have one from a previous response.
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()

	return httpReq, nil
}

// Send sends a JSON-RPC request via HTTP POST and returns the response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := t.prepare(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ConnectError{Endpoint: t.url, Err: err}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Capture session ID from response.
	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, &ProtocolError{
			Endpoint: t.url,
			Detail:   fmt.Sprintf("server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}

	// Servers may answer the POST with a short event stream instead of
	// a bare JSON body.
	if ct := httpResp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		return t.readEventStream(httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ConnectError{Endpoint: t.url, Err: fmt.Errorf("read response body: %w", err)}
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &ProtocolError{Endpoint: t.url, Detail: "malformed JSON-RPC response", Err: err}
	}

	return &resp, nil
}

// readEventStream consumes an SSE-formatted response body. Each event's
// data is one JSON-RPC message; the one whose id matches the request is
// the answer. Other messages (server notifications, responses to other
// ids) are skipped.
func (t *HTTPTransport) readEventStream(body io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(body, maxResponseBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(after, " "))
			continue
		}
		if line != "" {
			// event:, id:, retry: fields and comments carry nothing
			// we need.
			continue
		}
		if len(data) == 0 {
			continue
		}

		payload := strings.Join(data, "\n")
		data = data[:0]

		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil, &ProtocolError{Endpoint: t.url, Detail: "malformed JSON-RPC event", Err: err}
		}
		if resp.ID == id {
			return &resp, nil
		}
		t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConnectError{Endpoint: t.url, Err: fmt.Errorf("read event stream: %w", err)}
	}

	// A final event is valid without a trailing blank line.
	if len(data) > 0 {
		var resp Response
		if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &resp); err == nil && resp.ID == id {
			return &resp, nil
		}
	}

	return nil, &ProtocolError{Endpoint: t.url, Detail: "event stream ended without a response"}
}

// Notify sends a JSON-RPC notification via HTTP POST. No response
// content is expected, but the HTTP response status is checked.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.prepare(ctx, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &ConnectError{Endpoint: t.url, Err: err}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Accept 200 and 202 (accepted) for notifications.
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return &ProtocolError{
			Endpoint: t.url,
			Detail:   fmt.Sprintf("server returned %d for notification: %s", httpResp.StatusCode, errBody),
		}
	}

	return nil
}

// Close is a no-op for HTTP transports. The underlying HTTP client
// manages its own connection pool via httpkit.
func (t *HTTPTransport) Close() error {
	return nil
}
