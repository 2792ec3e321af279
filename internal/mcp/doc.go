// Package mcp implements MCP (Model Context Protocol) client support,
// allowing Atrium to connect to Revit tool servers and expose their
// tools to the chat turn loop.
//
// The package speaks JSON-RPC 2.0 over three transports: stdio (a child
// process exchanging newline-delimited JSON), streamable HTTP (one POST
// per request), and legacy SSE (a GET event stream paired with a
// POST-back endpoint). Callers describe a server with a Descriptor and
// obtain a Transport from NewTransport; the Client layered on top owns
// the initialize handshake, tool listing, and tool calls.
//
// Errors are classified so callers can decide on retries: ConnectError
// for endpoint and process failures, ProtocolError for malformed or
// incompatible server behavior, TimeoutError for exceeded deadlines.
// Tool-level failures are data, not errors: they surface as
// CallResult.IsError and flow back to the model as text.
package mcp
