package llm

import (
	"log/slog"
	"time"
)

// LevelTrace sits below Debug and carries wire-level payloads.
const LevelTrace = slog.Level(-8)

// Message is one entry in a chat transcript. Roles are "system",
// "user", "assistant", and "tool".
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-role replies
}

// ToolCall is a tool invocation requested by the model. ID is the
// provider-assigned identifier; Anthropic requires it back on the
// matching tool result.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the provider-neutral completion result. Wire-format
// conversion happens inside each provider client; everything here uses
// Go types.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	// Timing, populated when the provider reports it.
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEventKind identifies the type of a stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model requests a tool.
	KindToolCallStart

	// KindToolCallDone fires when a tool invocation completes.
	KindToolCallDone

	// KindDone closes the stream; Response carries the final metadata.
	KindDone
)

// StreamEvent is one event in a streaming completion. Consumers switch
// on Kind; only the fields for that kind are set.
type StreamEvent struct {
	Kind StreamEventKind

	// Token, for KindToken.
	Token string

	// ToolCall, for KindToolCallStart.
	ToolCall *ToolCall

	// ToolName, ToolResult, ToolError, for KindToolCallDone.
	ToolName   string
	ToolResult string
	ToolError  string

	// Response, for KindDone.
	Response *ChatResponse
}

// StreamCallback receives streaming events. Text-only consumers can
// ignore everything but KindToken.
type StreamCallback func(event StreamEvent)
