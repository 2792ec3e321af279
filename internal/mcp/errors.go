package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectError reports that a server endpoint could not be reached or a
// stdio child process could not be started. Connect failures are the
// only class the connector retries.
type ConnectError struct {
	Endpoint string // URL for network transports, command line for stdio
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcp connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports that a server answered but violated the MCP
// contract: malformed JSON-RPC, an unsupported protocol version, or an
// error status on a well-formed request. Protocol errors are never
// retried.
type ProtocolError struct {
	Endpoint string
	Detail   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcp protocol %s: %s: %v", e.Endpoint, e.Detail, e.Err)
	}
	return fmt.Sprintf("mcp protocol %s: %s", e.Endpoint, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports that an operation exceeded its deadline. For
// tool calls the caller surfaces it to the model as an error result;
// it stays a distinct type so logs can tell timeouts from transport
// failures.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp %s timed out after %s", e.Op, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ToolError reports that an invoked tool itself failed: the server
// answered tools/call but flagged the result as an error, or rejected
// the call outright. Not a transport problem; callers feed it back to
// the model as data rather than failing the session.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// IsTimeout reports whether err came from a deadline expiry, either
// classified as TimeoutError or still carrying the raw context error.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
