package mcp

import (
	"encoding/json"
	"fmt"
)

// MCP frames every message as JSON-RPC 2.0.
const rpcVersion = "2.0"

// RPCError is the error object a server returns in place of a result.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is an outbound JSON-RPC call expecting a matching Response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a Request for method with the given id and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: rpcVersion, ID: id, Method: method, Params: params}
}

// Response carries either a raw result or an error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a fire-and-forget message; servers do not answer it.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a Notification for method with the given params.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: rpcVersion, Method: method, Params: params}
}
