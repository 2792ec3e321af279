package llm

import (
	"encoding/json"
	"testing"
	"time"
)

func decodeOllamaWire(t *testing.T, raw string) *ChatResponse {
	t.Helper()
	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal wire response: %v", err)
	}
	return wire.toChatResponse()
}

// Payloads below mirror real Ollama /api/chat responses; durations are
// nanosecond integers and created_at is RFC 3339 text on the wire.
func TestOllamaWireConversion(t *testing.T) {
	t.Run("text reply with timings", func(t *testing.T) {
		resp := decodeOllamaWire(t, `{
			"model": "qwen2.5:14b",
			"created_at": "2026-02-11T15:00:00.123456789Z",
			"message": {"role": "assistant", "content": "Level 1 contains 24 walls."},
			"done": true,
			"total_duration": 1234567890,
			"load_duration": 100000000,
			"prompt_eval_count": 42,
			"eval_count": 15,
			"eval_duration": 600000000
		}`)

		if resp.Model != "qwen2.5:14b" || !resp.Done {
			t.Errorf("model/done = %q/%v", resp.Model, resp.Done)
		}
		if resp.Message.Role != "assistant" || resp.Message.Content != "Level 1 contains 24 walls." {
			t.Errorf("message = %+v", resp.Message)
		}
		if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
			t.Errorf("CreatedAt = %v", resp.CreatedAt)
		}
		if resp.InputTokens != 42 || resp.OutputTokens != 15 {
			t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
		}
		if resp.TotalDuration != 1234567890*time.Nanosecond {
			t.Errorf("TotalDuration = %v", resp.TotalDuration)
		}
		if resp.LoadDuration != 100*time.Millisecond || resp.EvalDuration != 600*time.Millisecond {
			t.Errorf("durations = %v/%v", resp.LoadDuration, resp.EvalDuration)
		}
	})

	t.Run("native tool calls", func(t *testing.T) {
		resp := decodeOllamaWire(t, `{
			"model": "qwen2.5:72b",
			"created_at": "2026-02-11T15:01:00Z",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [
					{"function": {"name": "revit_get_element_info", "arguments": {"element_id": "wall-201"}}},
					{"function": {"name": "revit_get_element_info", "arguments": {"element_id": "door-105"}}}
				]
			},
			"done": true,
			"prompt_eval_count": 128
		}`)

		if len(resp.Message.ToolCalls) != 2 {
			t.Fatalf("ToolCalls = %d, want 2", len(resp.Message.ToolCalls))
		}
		first := resp.Message.ToolCalls[0]
		if first.Function.Name != "revit_get_element_info" {
			t.Errorf("tool name = %q", first.Function.Name)
		}
		if first.Function.Arguments["element_id"] != "wall-201" {
			t.Errorf("first arguments = %v", first.Function.Arguments)
		}
		if resp.Message.ToolCalls[1].Function.Arguments["element_id"] != "door-105" {
			t.Errorf("second arguments = %v", resp.Message.ToolCalls[1].Function.Arguments)
		}
		if resp.InputTokens != 128 {
			t.Errorf("InputTokens = %d, want 128", resp.InputTokens)
		}
	})

	t.Run("intermediate stream chunk", func(t *testing.T) {
		resp := decodeOllamaWire(t, `{
			"model": "qwen2.5:14b",
			"created_at": "2026-02-11T15:02:00Z",
			"message": {"role": "assistant", "content": "The"},
			"done": false
		}`)

		if resp.Done {
			t.Error("Done = true for an intermediate chunk")
		}
		if resp.Message.Content != "The" {
			t.Errorf("Content = %q", resp.Message.Content)
		}
		if resp.InputTokens != 0 || resp.OutputTokens != 0 {
			t.Errorf("tokens = %d/%d, want 0/0 before the final chunk", resp.InputTokens, resp.OutputTokens)
		}
	})

	t.Run("missing timestamp and timings", func(t *testing.T) {
		resp := decodeOllamaWire(t, `{
			"model": "qwen2.5:14b",
			"created_at": "",
			"message": {"role": "assistant", "content": "hello"},
			"done": true
		}`)

		if !resp.CreatedAt.IsZero() {
			t.Errorf("CreatedAt = %v, want zero for empty created_at", resp.CreatedAt)
		}
		if resp.TotalDuration != 0 {
			t.Errorf("TotalDuration = %v, want 0", resp.TotalDuration)
		}
		if resp.Message.Content != "hello" {
			t.Errorf("Content = %q", resp.Message.Content)
		}
	})

	t.Run("large token counts survive", func(t *testing.T) {
		resp := decodeOllamaWire(t, `{
			"model": "qwen2.5:72b",
			"created_at": "2026-02-11T15:00:00Z",
			"message": {"role": "assistant", "content": "analysis complete"},
			"done": true,
			"prompt_eval_count": 32768,
			"eval_count": 4096,
			"total_duration": 45000000000
		}`)

		if resp.InputTokens != 32768 || resp.OutputTokens != 4096 {
			t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
		}
		if resp.TotalDuration != 45*time.Second {
			t.Errorf("TotalDuration = %v, want 45s", resp.TotalDuration)
		}
	})
}

func TestFromAnthropicResponseShapes(t *testing.T) {
	t.Run("text only", func(t *testing.T) {
		result := fromAnthropicResponse(&anthropicResponse{
			Model:      "claude-opus-4-20250514",
			Role:       "assistant",
			Content:    []anthropicContent{{Type: "text", Text: "The element is pinned."}},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 100, OutputTokens: 25},
		})

		if result.Message.Content != "The element is pinned." {
			t.Errorf("Content = %q", result.Message.Content)
		}
		if result.InputTokens != 100 || result.OutputTokens != 25 {
			t.Errorf("tokens = %d/%d", result.InputTokens, result.OutputTokens)
		}
		if !result.Done || len(result.Message.ToolCalls) != 0 {
			t.Errorf("done/tools = %v/%d", result.Done, len(result.Message.ToolCalls))
		}
	})

	t.Run("text and tool_use blocks", func(t *testing.T) {
		result := fromAnthropicResponse(&anthropicResponse{
			Model: "claude-opus-4-20250514",
			Role:  "assistant",
			Content: []anthropicContent{
				{Type: "text", Text: "Let me check that."},
				{Type: "tool_use", ID: "toolu_01ABC", Name: "revit_set_parameter",
					Input: map[string]any{"element": "wall-201", "action": "pin"}},
			},
			StopReason: "tool_use",
		})

		if result.Message.Content != "Let me check that." {
			t.Errorf("Content = %q", result.Message.Content)
		}
		if len(result.Message.ToolCalls) != 1 {
			t.Fatalf("ToolCalls = %d, want 1", len(result.Message.ToolCalls))
		}
		tc := result.Message.ToolCalls[0]
		if tc.ID != "toolu_01ABC" || tc.Function.Name != "revit_set_parameter" {
			t.Errorf("tool call = %+v", tc)
		}
		if tc.Function.Arguments["element"] != "wall-201" || tc.Function.Arguments["action"] != "pin" {
			t.Errorf("arguments = %v", tc.Function.Arguments)
		}
	})

	t.Run("parallel tool_use blocks keep order", func(t *testing.T) {
		result := fromAnthropicResponse(&anthropicResponse{
			Model: "claude-opus-4-20250514",
			Role:  "assistant",
			Content: []anthropicContent{
				{Type: "tool_use", ID: "toolu_01", Name: "revit_get_element_info", Input: map[string]any{"element_id": "wall-201"}},
				{Type: "tool_use", ID: "toolu_02", Name: "revit_get_element_info", Input: map[string]any{"element_id": "door-105"}},
			},
			StopReason: "tool_use",
		})

		if len(result.Message.ToolCalls) != 2 {
			t.Fatalf("ToolCalls = %d, want 2", len(result.Message.ToolCalls))
		}
		if result.Message.ToolCalls[0].ID != "toolu_01" || result.Message.ToolCalls[1].ID != "toolu_02" {
			t.Errorf("tool call order: %q, %q", result.Message.ToolCalls[0].ID, result.Message.ToolCalls[1].ID)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		result := fromAnthropicResponse(&anthropicResponse{
			Model:      "claude-opus-4-20250514",
			Role:       "assistant",
			Content:    []anthropicContent{},
			StopReason: "end_turn",
		})

		if result.Message.Content != "" || len(result.Message.ToolCalls) != 0 {
			t.Errorf("message = %+v, want empty", result.Message)
		}
	})
}
