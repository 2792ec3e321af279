package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func quietOllama(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOllamaClient(srv.URL, time.Second, logger)
}

func TestOllamaChat(t *testing.T) {
	client := quietOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var req ollamaWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("non-streaming call set stream=true")
		}
		if req.Model != "qwen2.5:14b" {
			t.Errorf("model = %q", req.Model)
		}

		fmt.Fprint(w, `{"model":"qwen2.5:14b","created_at":"2026-03-01T12:00:00Z",`+
			`"message":{"role":"assistant","content":"Three levels plus the roof."},`+
			`"done":true,"prompt_eval_count":25,"eval_count":9}`)
	})

	resp, err := client.Chat(t.Context(), "qwen2.5:14b",
		[]Message{{Role: "user", Content: "how many levels?"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Three levels plus the roof." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 25 || resp.OutputTokens != 9 {
		t.Errorf("tokens = %d/%d, want 25/9", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatStream(t *testing.T) {
	client := quietOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaWireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("streaming call set stream=false")
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Level "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"1"},"done":false}`)
		fmt.Fprintln(w, `{"model":"qwen2.5:14b","created_at":"2026-03-01T12:00:00Z","message":{"role":"assistant","content":""},"done":true,"eval_count":2}`)
	})

	var tokens []string
	resp, err := client.ChatStream(t.Context(), "qwen2.5:14b",
		[]Message{{Role: "user", Content: "name a level"}}, nil,
		func(e StreamEvent) {
			if e.Kind == KindToken {
				tokens = append(tokens, e.Token)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Level 1" {
		t.Errorf("streamed tokens = %q, want %q", got, "Level 1")
	}
	if resp.Message.Content != "Level 1" {
		t.Errorf("accumulated content = %q", resp.Message.Content)
	}
	if resp.Message.Role != "assistant" {
		t.Errorf("role = %q", resp.Message.Role)
	}
}

func TestOllamaChatServerError(t *testing.T) {
	client := quietOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	_, err := client.Chat(t.Context(), "missing:latest", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestOllamaRecoversTextToolCalls(t *testing.T) {
	// Some local models answer with the tool call as content JSON
	// instead of the native tool_calls field.
	client := quietOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant",`+
			`"content":"{\"name\": \"revit_list_levels\", \"arguments\": {}}"},"done":true}`)
	})

	tools := []map[string]any{
		{"function": map[string]any{"name": "revit_list_levels"}},
	}
	resp, err := client.Chat(t.Context(), "qwen2.5:14b", []Message{{Role: "user", Content: "list levels"}}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	if resp.Message.ToolCalls[0].Function.Name != "revit_list_levels" {
		t.Errorf("tool = %q", resp.Message.ToolCalls[0].Function.Name)
	}
	if resp.Message.Content != "" {
		t.Errorf("content = %q, want cleared after recovery", resp.Message.Content)
	}
}

func TestOllamaPingAndListModels(t *testing.T) {
	client := quietOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[{"name":"qwen2.5:14b"},{"name":"llama3.2:3b"}]}`)
	})

	if err := client.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	models, err := client.ListModels(t.Context())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "qwen2.5:14b" || models[1] != "llama3.2:3b" {
		t.Errorf("models = %v", models)
	}
}

func TestParseTextToolCalls(t *testing.T) {
	revitTools := []string{"revit_get_element", "revit_set_parameter", "revit_list_levels"}

	t.Run("non-JSON content yields nothing", func(t *testing.T) {
		for _, content := range []string{"", "   \n\t  ", "The model has three levels.",
			`{"name": "revit_get_element", "arguments": {`, // truncated
			`{"foo": "bar", "arguments": {}}`,              // no name
			`{"name": "", "arguments": {}}`} {
			if got := parseTextToolCalls(content, nil); len(got) != 0 {
				t.Errorf("parseTextToolCalls(%q) = %v, want none", content, got)
			}
		}
	})

	t.Run("single object", func(t *testing.T) {
		calls := parseTextToolCalls(`  {"name": "revit_get_element", "arguments": {"element_id": "wall-201"}}  `, nil)
		if len(calls) != 1 || calls[0].Function.Name != "revit_get_element" {
			t.Fatalf("calls = %v", calls)
		}
		if calls[0].Function.Arguments["element_id"] != "wall-201" {
			t.Errorf("arguments = %v", calls[0].Function.Arguments)
		}
	})

	t.Run("array", func(t *testing.T) {
		calls := parseTextToolCalls(
			`[{"name": "revit_get_element", "arguments": {"element_id": "w1"}}, {"name": "revit_list_levels", "arguments": {}}]`, nil)
		if len(calls) != 2 {
			t.Fatalf("calls = %d, want 2", len(calls))
		}
		if calls[1].Function.Name != "revit_list_levels" {
			t.Errorf("second call = %q", calls[1].Function.Name)
		}
	})

	t.Run("tagged", func(t *testing.T) {
		for _, content := range []string{
			`<tool_call>{"name": "revit_set_parameter", "arguments": {"category": "walls"}}</tool_call>`,
			`<tool_call>{"name": "revit_set_parameter", "arguments": {"category": "walls"}}`,
			`Checking the walls now. <tool_call>{"name": "revit_set_parameter", "arguments": {"category": "walls"}}</tool_call>`,
		} {
			calls := parseTextToolCalls(content, nil)
			if len(calls) != 1 || calls[0].Function.Name != "revit_set_parameter" {
				t.Errorf("parseTextToolCalls(%q) = %v", content, calls)
			}
		}
	})

	t.Run("concatenated objects with trailing prose", func(t *testing.T) {
		content := `{"name": "revit_get_element", "arguments": {"element_id": "w1"}}` +
			`{"name": "revit_get_element", "arguments": {"element_id": "w2"}}` +
			`{"name": "revit_list_levels", "arguments": {}}` +
			`Those are the elements you asked about.`
		calls := parseTextToolCalls(content, revitTools)
		if len(calls) != 3 {
			t.Fatalf("calls = %d, want 3", len(calls))
		}
		if calls[1].Function.Arguments["element_id"] != "w2" {
			t.Errorf("second call arguments = %v", calls[1].Function.Arguments)
		}
	})

	t.Run("name-then-json", func(t *testing.T) {
		calls := parseTextToolCalls(
			`revit_set_parameter {"category": "walls", "action": "hide"} I will hide it.`, revitTools)
		if len(calls) != 1 || calls[0].Function.Name != "revit_set_parameter" {
			t.Fatalf("calls = %v", calls)
		}
		if calls[0].Function.Arguments["action"] != "hide" {
			t.Errorf("arguments = %v", calls[0].Function.Arguments)
		}
	})

	t.Run("unknown tools rejected when validated", func(t *testing.T) {
		if calls := parseTextToolCalls(`{"name": "hack_the_planet", "arguments": {}}`, revitTools); len(calls) != 0 {
			t.Errorf("unknown tool accepted: %v", calls)
		}
		// No allow-list means anything goes.
		if calls := parseTextToolCalls(`{"name": "anything", "arguments": {}}`, nil); len(calls) != 1 {
			t.Errorf("unvalidated call rejected: %v", calls)
		}
	})
}

func TestExtractToolNames(t *testing.T) {
	if got := extractToolNames(nil); got != nil {
		t.Errorf("extractToolNames(nil) = %v, want nil", got)
	}

	tools := []map[string]any{
		{"function": map[string]any{"name": "revit_get_element", "description": "Element properties"}},
		{"broken": "entry"},
		{"function": map[string]any{"name": "revit_list_levels"}},
	}
	got := extractToolNames(tools)
	want := []string{"revit_get_element", "revit_list_levels"}
	if len(got) != len(want) {
		t.Fatalf("extractToolNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractFirstJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a": 1} trailing`, `{"a": 1}`},
		{`{"a": {"b": 2}} more`, `{"a": {"b": 2}}`},
		{`{"s": "bracket } inside"} tail`, `{"s": "bracket } inside"}`},
		{`no json here`, `no json here`},
	}
	for _, tt := range tests {
		if got := extractFirstJSON(tt.in); got != tt.want {
			t.Errorf("extractFirstJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
