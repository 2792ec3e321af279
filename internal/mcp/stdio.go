package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// stopGrace is how long a subprocess gets to exit after stdin closes
// before it is killed.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem is a single-slot semaphore serializing Send, Notify, and
	// Close. Stdio is inherently sequential; unlike a mutex, waiting
	// on the slot can be abandoned when the caller's context ends.
	sem chan struct{}

	// Process state below is only touched while holding sem.
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	// terminated is set once cleanup has killed the subprocess. The
	// transport stays dead from then on: a quietly relaunched server
	// would never have seen the initialize handshake.
	terminated bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// acquire takes the semaphore slot, giving up when ctx ends first.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		// The select may pick the send even when ctx is already done;
		// double-check so a cancelled caller never proceeds.
		if err := ctx.Err(); err != nil {
			t.release()
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the semaphore slot.
func (t *StdioTransport) release() { <-t.sem }

// endpoint returns the command line for error messages.
func (t *StdioTransport) endpoint() string {
	if len(t.config.Args) == 0 {
		return t.config.Command
	}
	return t.config.Command + " " + strings.Join(t.config.Args, " ")
}

// start launches the subprocess on first use. Once cleanup has killed
// the subprocess the transport stays dead and start returns a
// ConnectError: the owner must dial a fresh transport so the new
// server goes through the initialize handshake. Caller must hold the
// semaphore.
func (t *StdioTransport) start(_ context.Context) error {
	if t.cmd != nil && t.cmd.ProcessState == nil {
		// Process is still running.
		return nil
	}
	if t.terminated {
		return &ConnectError{Endpoint: t.endpoint(), Err: errors.New("subprocess terminated")}
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectError{Endpoint: t.endpoint(), Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &ConnectError{Endpoint: t.endpoint(), Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &ConnectError{Endpoint: t.endpoint(), Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return &ConnectError{Endpoint: t.endpoint(), Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses

	// Drain stderr in the background.
	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// Send sends a JSON-RPC request over stdin and reads the response from
// stdout. The semaphore serializes access since stdio is inherently
// sequential. The read is performed in a goroutine so that context
// cancellation can interrupt a blocking read.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Write request + newline delimiter.
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, &ConnectError{Endpoint: t.endpoint(), Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}

	// Read response lines. The subprocess may emit notifications before
	// the actual response, so we loop until we find a matching ID.
	// Reads are performed in a goroutine so context cancellation works.
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, readErr := t.reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			// Context cancelled or timed out. Kill the subprocess so
			// the blocked read unblocks, then clean up.
			t.cleanup()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, &ConnectError{Endpoint: t.endpoint(), Err: fmt.Errorf("read from subprocess stdout: %w", res.err)}
			}

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.cleanup()
				return nil, &ProtocolError{
					Endpoint: t.endpoint(),
					Detail:   "malformed JSON-RPC line from subprocess",
					Err:      err,
				}
			}

			// Server-initiated notifications carry no id and
			// unmarshal with ID zero; request IDs start at 1, so
			// matching on the request ID skips them.
			if resp.ID == req.ID {
				return &resp, nil
			}

			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return &ConnectError{Endpoint: t.endpoint(), Err: fmt.Errorf("write notification to subprocess stdin: %w", err)}
	}

	return nil
}

// Close terminates the subprocess and releases resources. It waits for
// any in-flight call to finish first.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	return t.stop()
}

// stop terminates the subprocess. Caller must hold the semaphore.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	// Wait briefly for graceful exit, then force kill.
	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}

// cleanup kills the subprocess after a failure and marks the transport
// dead for good. Caller must hold the semaphore.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	t.terminated = true
}
