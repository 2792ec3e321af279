package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/atriumhq/atrium/internal/httpkit"
)

// errTransportClosed reports use of a transport after Close.
var errTransportClosed = errors.New("transport closed")

// SSEConfig configures a legacy SSE MCP transport: a long-lived GET
// event stream for server-to-client messages, paired with a POST
// endpoint the server announces on that stream.
type SSEConfig struct {
	// URL is the SSE stream endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SSETransport communicates with an MCP server over the legacy SSE
// wiring. Requests go out as POSTs to the announced endpoint; responses
// come back as `message` events on the GET stream, correlated by
// JSON-RPC id.
type SSETransport struct {
	url          string
	headers      map[string]string
	streamClient *http.Client // no overall timeout; the stream lives as long as the binding
	postClient   *http.Client
	logger       *slog.Logger

	startOnce sync.Once
	ready     chan struct{} // closed once the endpoint event arrives
	done      chan struct{} // closed when the stream is gone for good

	mu        sync.Mutex
	pending   map[int64]chan *Response
	endpoint  string
	streamErr error
	cancel    context.CancelFunc
	closed    bool
}

// NewSSETransport creates an SSE transport for the given config. The
// event stream is not opened until the first Send or Notify call.
func NewSSETransport(cfg SSEConfig) *SSETransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SSETransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		streamClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		),
		postClient: httpkit.NewClient(
			httpkit.WithLogger(logger),
		),
		logger:  logger,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		pending: make(map[int64]chan *Response),
	}
}

// ensureStream opens the event stream on first use and waits until the
// server has announced its POST endpoint. The stream itself outlives
// the caller's context; only the wait is bounded by it.
func (t *SSETransport) ensureStream(ctx context.Context) error {
	t.startOnce.Do(func() { go t.run() })

	select {
	case <-t.ready:
		return nil
	case <-t.done:
		return t.streamError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run dials the event stream and pumps it until it dies. Runs once per
// transport; a dead stream is not redialed, callers get ConnectError
// and build a fresh transport.
func (t *SSETransport) run() {
	streamCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		t.fail(&ConnectError{Endpoint: t.url, Err: errTransportClosed})
		return
	}
	t.cancel = cancel
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		t.fail(&ConnectError{Endpoint: t.url, Err: err})
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.streamClient.Do(req)
	if err != nil {
		t.fail(&ConnectError{Endpoint: t.url, Err: err})
		return
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		resp.Body.Close()
		t.fail(&ProtocolError{
			Endpoint: t.url,
			Detail:   fmt.Sprintf("event stream returned %d: %s", resp.StatusCode, errBody),
		})
		return
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.fail(&ProtocolError{
			Endpoint: t.url,
			Detail:   fmt.Sprintf("event stream has content type %q", ct),
		})
		return
	}

	t.readLoop(resp.Body)
}

// readLoop parses SSE events off the stream and dispatches them until
// the stream ends or an unrecoverable protocol problem appears.
func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if len(data) > 0 {
				if err := t.dispatch(event, strings.Join(data, "\n")); err != nil {
					t.fail(err)
					return
				}
			}
			event = ""
			data = nil
		}
	}

	if err := scanner.Err(); err != nil {
		t.fail(&ConnectError{Endpoint: t.url, Err: fmt.Errorf("read event stream: %w", err)})
		return
	}
	t.fail(&ConnectError{Endpoint: t.url, Err: errors.New("event stream closed by server")})
}

// dispatch routes one complete SSE event. A non-nil return kills the
// stream.
func (t *SSETransport) dispatch(event, payload string) error {
	switch event {
	case "endpoint":
		return t.setEndpoint(payload)
	case "message", "":
		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return &ProtocolError{Endpoint: t.url, Detail: "malformed JSON-RPC event", Err: err}
		}
		if resp.ID == 0 {
			// Server-initiated notification; nothing waits on it.
			t.logger.Debug("skipping MCP server notification")
			return nil
		}

		t.mu.Lock()
		ch := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()

		if ch == nil {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
			return nil
		}
		ch <- &resp
		return nil
	default:
		t.logger.Debug("skipping MCP event", "event", event)
		return nil
	}
}

// setEndpoint records the POST-back URL from the endpoint event,
// resolving it against the stream URL when relative.
func (t *SSETransport) setEndpoint(payload string) error {
	if payload == "" {
		return &ProtocolError{Endpoint: t.url, Detail: "endpoint event with empty data"}
	}
	base, err := url.Parse(t.url)
	if err != nil {
		return &ProtocolError{Endpoint: t.url, Detail: "invalid stream URL", Err: err}
	}
	ref, err := url.Parse(payload)
	if err != nil {
		return &ProtocolError{Endpoint: t.url, Detail: "invalid endpoint URL in event", Err: err}
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	already := t.endpoint != ""
	if !already {
		t.endpoint = resolved
	}
	t.mu.Unlock()

	if already {
		t.logger.Debug("ignoring repeated endpoint event", "endpoint", resolved)
		return nil
	}

	t.logger.Debug("MCP SSE endpoint announced", "endpoint", resolved)
	close(t.ready)
	return nil
}

// fail records the terminal stream error and wakes every waiter. Called
// exactly once per transport life.
func (t *SSETransport) fail(err error) {
	t.mu.Lock()
	if t.streamErr == nil {
		t.streamErr = err
	}
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	close(t.done)
	for _, ch := range pending {
		close(ch)
	}
}

// streamError returns why the stream is unusable.
func (t *SSETransport) streamError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamErr != nil {
		return t.streamErr
	}
	return &ConnectError{Endpoint: t.url, Err: errors.New("event stream closed")}
}

// post sends one JSON-RPC payload to the announced endpoint and checks
// the HTTP status. The response body is always discarded; answers
// arrive on the event stream.
func (t *SSETransport) post(ctx context.Context, endpoint string, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.postClient.Do(httpReq)
	if err != nil {
		return &ConnectError{Endpoint: endpoint, Err: err}
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return &ProtocolError{
			Endpoint: endpoint,
			Detail:   fmt.Sprintf("server returned %d: %s", httpResp.StatusCode, errBody),
		}
	}
}

// Send posts a JSON-RPC request and waits for the matching response on
// the event stream.
func (t *SSETransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.ensureStream(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan *Response, 1)
	t.mu.Lock()
	if t.closed || t.pending == nil {
		t.mu.Unlock()
		return nil, t.streamError()
	}
	t.pending[req.ID] = ch
	endpoint := t.endpoint
	t.mu.Unlock()
	defer t.forget(req.ID)

	if err := t.post(ctx, endpoint, body); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, t.streamError()
		}
		return resp, nil
	case <-t.done:
		// The response may have been delivered just before the stream
		// died.
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
		default:
		}
		return nil, t.streamError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forget drops the pending slot for a request id.
func (t *SSETransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Notify posts a JSON-RPC notification. No response is expected.
func (t *SSETransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.ensureStream(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()

	return t.post(ctx, endpoint, body)
}

// Close tears down the event stream. In-flight calls are woken with an
// error.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}
