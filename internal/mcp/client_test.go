package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// fakeTransport answers Send from a canned method->response table and
// records everything that crosses it.
type fakeTransport struct {
	mu      sync.Mutex
	replies map[string]*Response
	sent    []Request
	notifs  []Notification
	closed  bool
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{replies: make(map[string]*Response)}
	ft.reply("initialize", initializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      serverInfo{Name: "revit-mcp", Version: "1.0.0"},
	})
	return ft
}

func (f *fakeTransport) reply(method string, result any) {
	data, _ := json.Marshal(result)
	f.replies[method] = &Response{JSONRPC: rpcVersion, Result: json.RawMessage(data)}
}

func (f *fakeTransport) replyError(method string, code int, msg string) {
	f.replies[method] = &Response{JSONRPC: rpcVersion, Error: &RPCError{Code: code, Message: msg}}
}

func (f *fakeTransport) Send(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *req)
	resp, ok := f.replies[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (f *fakeTransport) Notify(_ context.Context, notif *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifs = append(f.notifs, *notif)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func initializedClient(t *testing.T, ft *fakeTransport) *Client {
	t.Helper()
	client := NewClient("revit", ft, nil)
	if err := client.Initialize(t.Context()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return client
}

func TestClientHandshake(t *testing.T) {
	ft := newFakeTransport()
	client := initializedClient(t, ft)

	if len(ft.sent) != 1 || ft.sent[0].Method != "initialize" {
		t.Errorf("sent = %+v, want a single initialize request", ft.sent)
	}
	if len(ft.notifs) != 1 || ft.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifs = %+v, want the initialized notification", ft.notifs)
	}

	name, version := client.ServerInfo()
	if name != "revit-mcp" || version != "1.0.0" {
		t.Errorf("ServerInfo() = %q/%q", name, version)
	}
}

func TestClientHandshakeFailures(t *testing.T) {
	t.Run("unsupported protocol version", func(t *testing.T) {
		ft := newFakeTransport()
		ft.reply("initialize", initializeResult{
			ProtocolVersion: "1999-01-01",
			ServerInfo:      serverInfo{Name: "ancient", Version: "0.1"},
		})

		err := NewClient("revit", ft, nil).Initialize(t.Context())
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("Initialize = %v, want *ProtocolError", err)
		}
		// An aborted handshake must not announce completion.
		if len(ft.notifs) != 0 {
			t.Errorf("notifs = %+v, want none", ft.notifs)
		}
	})

	t.Run("server rejects initialize", func(t *testing.T) {
		ft := newFakeTransport()
		ft.replyError("initialize", -32600, "Invalid Request")

		err := NewClient("revit", ft, nil).Initialize(t.Context())
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("Initialize = %v, want *ProtocolError", err)
		}
	})
}

func TestClientListToolsCaches(t *testing.T) {
	ft := newFakeTransport()
	ft.reply("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{Name: "revit_list_levels", Description: "List all levels", InputSchema: map[string]any{"type": "object"}},
			{Name: "revit_get_element_info", Description: "Element properties", InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"element_id": map[string]any{"type": "string"}},
			}},
		},
	})
	client := initializedClient(t, ft)

	tools, err := client.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "revit_list_levels" || tools[1].Name != "revit_get_element_info" {
		t.Fatalf("tools = %+v", tools)
	}

	if _, err := client.ListTools(t.Context()); err != nil {
		t.Fatalf("cached ListTools: %v", err)
	}
	// initialize + one tools/list; the second listing came from cache.
	if len(ft.sent) != 2 {
		t.Errorf("sent %d requests, want 2", len(ft.sent))
	}
}

func TestClientCallTool(t *testing.T) {
	t.Run("text result", func(t *testing.T) {
		ft := newFakeTransport()
		ft.reply("tools/call", callToolResult{
			Content: []ContentBlock{{Type: "text", Text: "Level 1 (elevation 0.00)"}},
		})
		client := initializedClient(t, ft)

		got, err := client.CallTool(t.Context(), "revit_list_levels", map[string]any{"include_elevation": true})
		if err != nil {
			t.Fatalf("CallTool: %v", err)
		}
		if got != "Level 1 (elevation 0.00)" {
			t.Errorf("result = %q", got)
		}
	})

	t.Run("mixed content blocks", func(t *testing.T) {
		ft := newFakeTransport()
		ft.reply("tools/call", callToolResult{
			Content: []ContentBlock{
				{Type: "text", Text: "Sheet A101"},
				{Type: "image"},
				{Type: "text", Text: "Sheet A102"},
			},
		})
		client := initializedClient(t, ft)

		got, err := client.CallTool(t.Context(), "revit_export_view", nil)
		if err != nil {
			t.Fatalf("CallTool: %v", err)
		}
		if want := "Sheet A101\n[image]\nSheet A102"; got != want {
			t.Errorf("result = %q, want %q", got, want)
		}
	})

	t.Run("isError result becomes ToolError", func(t *testing.T) {
		ft := newFakeTransport()
		ft.reply("tools/call", callToolResult{
			Content: []ContentBlock{{Type: "text", Text: "element not found"}},
			IsError: true,
		})
		client := initializedClient(t, ft)

		_, err := client.CallTool(t.Context(), "revit_get_element_info", map[string]any{"element_id": "999999"})
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			t.Fatalf("CallTool = %v, want *ToolError", err)
		}
		if toolErr.Tool != "revit_get_element_info" || toolErr.Message != "element not found" {
			t.Errorf("ToolError = %+v", toolErr)
		}
	})

	t.Run("rpc rejection becomes ToolError", func(t *testing.T) {
		ft := newFakeTransport()
		ft.replyError("tools/call", -32601, "Method not found")
		client := initializedClient(t, ft)

		// The server answered; the failure belongs to the call, not the
		// connection.
		_, err := client.CallTool(t.Context(), "nonexistent", nil)
		var toolErr *ToolError
		if !errors.As(err, &toolErr) {
			t.Fatalf("CallTool = %v, want *ToolError", err)
		}
	})
}

func TestClientCloseAndName(t *testing.T) {
	ft := newFakeTransport()
	client := NewClient("session-7f2a", ft, nil)

	if got := client.Name(); got != "session-7f2a" {
		t.Errorf("Name() = %q", got)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ft.closed {
		t.Error("transport left open after Close")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{"nil blocks", nil, ""},
		{"single text", []ContentBlock{{Type: "text", Text: "hello"}}, "hello"},
		{"joined texts", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"image marker", []ContentBlock{{Type: "image"}}, "[image]"},
		{"resource marker", []ContentBlock{{Type: "resource"}}, "[resource]"},
		{"unknown type marker", []ContentBlock{{Type: "audio"}}, "[audio]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
