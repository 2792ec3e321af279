package llm

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

var (
	_ Client = (*AnthropicClient)(nil)
	_ Client = (*OllamaClient)(nil)
	_ Client = (*MultiClient)(nil)
)

func TestToAnthropicMessages(t *testing.T) {
	t.Run("system prompt extracted", func(t *testing.T) {
		out, system := toAnthropicMessages([]Message{
			{Role: "system", Content: "You are a Revit assistant."},
			{Role: "user", Content: "Hello!"},
			{Role: "assistant", Content: "Hi there!"},
			{Role: "user", Content: "List the levels."},
		})

		if system != "You are a Revit assistant." {
			t.Errorf("system = %q", system)
		}
		if len(out) != 3 {
			t.Fatalf("messages = %d, want 3 after system removal", len(out))
		}
		if out[0].Role != "user" || out[0].Content != "Hello!" {
			t.Errorf("first message = %+v", out[0])
		}
	})

	t.Run("tool turns become content blocks", func(t *testing.T) {
		out, _ := toAnthropicMessages([]Message{
			{Role: "user", Content: "Hide the walls."},
			{Role: "assistant", ToolCalls: []ToolCall{
				newToolCall("toolu_abc123", "revit_set_parameter", map[string]any{"element": "wall-201"}),
			}},
			{Role: "tool", Content: "Done.", ToolCallID: "toolu_abc123"},
		})

		if len(out) != 3 {
			t.Fatalf("messages = %d, want 3", len(out))
		}

		assistant, ok := out[1].Content.([]anthropicContent)
		if !ok || len(assistant) != 1 {
			t.Fatalf("assistant content = %#v, want one block", out[1].Content)
		}
		if assistant[0].Type != "tool_use" || assistant[0].ID != "toolu_abc123" {
			t.Errorf("assistant block = %+v", assistant[0])
		}

		// The tool answer rides back as a user message with a
		// tool_result block.
		result, ok := out[2].Content.([]anthropicContent)
		if !ok || len(result) != 1 {
			t.Fatalf("tool result content = %#v", out[2].Content)
		}
		if result[0].Type != "tool_result" || result[0].ToolUseID != "toolu_abc123" || result[0].Content != "Done." {
			t.Errorf("tool result block = %+v", result[0])
		}
	})

	t.Run("missing tool call id gets synthesized", func(t *testing.T) {
		out, _ := toAnthropicMessages([]Message{
			{Role: "assistant", ToolCalls: []ToolCall{
				newToolCall("", "revit_list_levels", nil),
			}},
		})

		blocks := out[0].Content.([]anthropicContent)
		if blocks[0].ID == "" {
			t.Error("tool_use block has empty id")
		}
	})
}

func TestToAnthropicTools(t *testing.T) {
	out := toAnthropicTools([]map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "revit_get_element_info",
				"description": "Element properties",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"element_id": map[string]any{"type": "string"},
					},
					"required": []string{"element_id"},
				},
			},
		},
		{"malformed": "entry"},
		{
			"type": "function",
			"function": map[string]any{
				"name": "revit_list_levels",
				// No parameters: schema must still be a valid object.
			},
		},
	})

	if len(out) != 2 {
		t.Fatalf("tools = %d, want 2", len(out))
	}
	if out[0].Name != "revit_get_element_info" || out[0].Description != "Element properties" {
		t.Errorf("first tool = %+v", out[0])
	}
	schema, ok := out[1].InputSchema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("default schema = %#v", out[1].InputSchema)
	}
}

func quietAnthropic() *AnthropicClient {
	return NewAnthropicClient("sk-test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReadStreamAssemblesResponse(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"model":"claude-opus-4-20250514","usage":{"input_tokens":200,"output_tokens":1}}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Pinning "}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the wall."}}`,
		``,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"revit_set_parameter"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"element\":"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"wall-201\"}"}}`,
		``,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`data: not-json-at-all`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}`,
		``,
		`data: [DONE]`,
	}, "\n")

	var tokens []string
	resp, err := quietAnthropic().readStream(t.Context(), strings.NewReader(sse), func(e StreamEvent) {
		if e.Kind == KindToken {
			tokens = append(tokens, e.Token)
		}
	})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}

	if got := strings.Join(tokens, ""); got != "Pinning the wall." {
		t.Errorf("streamed text = %q", got)
	}
	if resp.Message.Content != "Pinning the wall." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Model != "claude-opus-4-20250514" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.InputTokens != 200 || resp.OutputTokens != 42 {
		t.Errorf("tokens = %d/%d, want 200/42", resp.InputTokens, resp.OutputTokens)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Function.Name != "revit_set_parameter" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments["element"] != "wall-201" {
		t.Errorf("arguments = %v", tc.Function.Arguments)
	}
}

func TestReadStreamKeepsUnparseableToolArgs(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"revit_get_element_info"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"element_id\": trunc"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: [DONE]`,
	}, "\n")

	resp, err := quietAnthropic().readStream(t.Context(), strings.NewReader(sse), func(StreamEvent) {})
	if err != nil {
		t.Fatalf("readStream: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	raw, ok := resp.Message.ToolCalls[0].Function.Arguments["_raw"].(string)
	if !ok || !strings.Contains(raw, "trunc") {
		t.Errorf("arguments = %v, want _raw fallback", resp.Message.ToolCalls[0].Function.Arguments)
	}
}
