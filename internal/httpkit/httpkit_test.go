package httpkit

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientTimeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
	// Streaming clients disable the overall timeout.
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0", c.Timeout)
	}
}

func TestUserAgentDefault(t *testing.T) {
	srv := echoUserAgent(t)

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "atrium/") {
		t.Errorf("User-Agent = %q, want atrium/ prefix", body)
	}
}

func TestUserAgentOverride(t *testing.T) {
	srv := echoUserAgent(t)

	c := NewClient(WithUserAgent("revit-bridge/0.9"))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "revit-bridge/0.9" {
		t.Errorf("User-Agent = %q, want revit-bridge/0.9", body)
	}
}

func TestUserAgentNotClobbered(t *testing.T) {
	srv := echoUserAgent(t)

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "caller-set/2.0")
	resp, err := NewClient().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "caller-set/2.0" {
		t.Errorf("User-Agent = %q, want caller-set/2.0", body)
	}
}

func TestTransportDefaults(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v, want %v", tr.TLSHandshakeTimeout, DefaultTLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v, want %v", tr.ResponseHeaderTimeout, DefaultResponseHeader)
	}
	if tr.IdleConnTimeout != DefaultIdleConnTimeout {
		t.Errorf("IdleConnTimeout = %v, want %v", tr.IdleConnTimeout, DefaultIdleConnTimeout)
	}
	if tr.MaxIdleConns != DefaultMaxIdleConns {
		t.Errorf("MaxIdleConns = %d, want %d", tr.MaxIdleConns, DefaultMaxIdleConns)
	}
}

func TestTLSInsecureSkipVerify(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	defer srv.Close()

	strict := NewClient(WithTimeout(2 * time.Second))
	if _, err := strict.Get(srv.URL); err == nil {
		t.Fatal("expected certificate error from strict client")
	}

	insecure := NewClient(WithTimeout(2*time.Second), WithTLSInsecureSkipVerify())
	resp, err := insecure.Get(srv.URL)
	if err != nil {
		t.Fatalf("insecure client failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secure" {
		t.Errorf("body = %q, want secure", body)
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(io.NopCloser(strings.NewReader("leftover body")), 1024)
	DrainAndClose(nil, 1024) // nil must be a no-op
}

type failReader struct{}

func (failReader) Read([]byte) (int, error) { return 0, fmt.Errorf("simulated read error") }

func TestReadErrorBody(t *testing.T) {
	t.Run("reads body", func(t *testing.T) {
		got := ReadErrorBody(io.NopCloser(strings.NewReader("tool invocation failed")), 512)
		if got != "tool invocation failed" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("truncates at limit", func(t *testing.T) {
		got := ReadErrorBody(io.NopCloser(strings.NewReader(strings.Repeat("x", 1000))), 10)
		if len(got) != 10 {
			t.Errorf("len = %d, want 10", len(got))
		}
	})
	t.Run("nil body", func(t *testing.T) {
		if got := ReadErrorBody(nil, 512); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
	t.Run("read failure", func(t *testing.T) {
		got := ReadErrorBody(io.NopCloser(failReader{}), 512)
		if !strings.Contains(got, "failed to read") {
			t.Errorf("got %q, want read-failure note", got)
		}
	})
}

// refusingRoundTripper fails with ECONNREFUSED a set number of times,
// then answers 200.
type refusingRoundTripper struct {
	failures int
	calls    int
}

func (f *refusingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED},
		}
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestRetryRecoversFromConnectionRefused(t *testing.T) {
	base := &refusingRoundTripper{failures: 1}
	rt := &retryTransport{base: base, count: 2, delay: 10 * time.Millisecond}

	req, _ := http.NewRequest("GET", "http://127.0.0.1:8943/mcp", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if base.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one failure, one success)", base.calls)
	}
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	base := &refusingRoundTripper{failures: 10}
	rt := &retryTransport{base: base, count: 2, delay: 10 * time.Millisecond}

	req, _ := http.NewRequest("GET", "http://127.0.0.1:8943/mcp", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if base.calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", base.calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	base := &refusingRoundTripper{failures: 10}
	rt := &retryTransport{base: base, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://127.0.0.1:8943/mcp", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected context cancellation error")
	}
	if base.calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancelled mid-delay)", base.calls)
	}
}

type brokenRoundTripper struct{ calls int }

func (f *brokenRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, fmt.Errorf("protocol violation")
}

func TestRetrySkipsNonTransientErrors(t *testing.T) {
	base := &brokenRoundTripper{}
	rt := &retryTransport{base: base, count: 2, delay: 10 * time.Millisecond}

	req, _ := http.NewRequest("GET", "http://127.0.0.1:8943/mcp", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", base.calls)
	}
}

func TestRetrySkipsUnrewindableBody(t *testing.T) {
	base := &refusingRoundTripper{failures: 1}
	rt := &retryTransport{base: base, count: 2, delay: 10 * time.Millisecond}

	// http.NewRequest auto-populates GetBody for *strings.Reader; nil it
	// out to model an unrewindable stream.
	req, _ := http.NewRequest("POST", "http://127.0.0.1:8943/mcp", strings.NewReader(`{"jsonrpc":"2.0"}`))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error; body cannot be rewound for retry")
	}
	if base.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", base.calls)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"generic", fmt.Errorf("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET excluded", syscall.ECONNRESET, false},
		{"wrapped ECONNREFUSED", fmt.Errorf("connect: %w", syscall.ECONNREFUSED), true},
		{"OpError chain", &net.OpError{
			Op: "dial", Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
