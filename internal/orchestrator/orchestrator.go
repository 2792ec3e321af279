// Package orchestrator runs chat turns: retrieval, model generation,
// and the bounded tool-call loop against the session's MCP connector.
// Each turn produces an ordered event sequence through a synchronous
// emit callback; transports (WebSocket, SSE) only forward events.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atriumhq/atrium/internal/connector"
	"github.com/atriumhq/atrium/internal/events"
	"github.com/atriumhq/atrium/internal/llm"
	"github.com/atriumhq/atrium/internal/prompts"
	"github.com/atriumhq/atrium/internal/retrieval"
	"github.com/atriumhq/atrium/internal/session"
)

// EventKind names one kind of turn event.
type EventKind string

const (
	// EventRetrievalContext carries the retrieved chunks (possibly
	// zero, with a note) before generation starts.
	EventRetrievalContext EventKind = "retrieval-context"
	// EventToken carries one streamed model token.
	EventToken EventKind = "token"
	// EventToolCallStarted announces a tool invocation about to run.
	EventToolCallStarted EventKind = "tool-call-started"
	// EventToolCallResult carries the invocation outcome, success or
	// error.
	EventToolCallResult EventKind = "tool-call-result"
	// EventError reports a turn-level failure. Always followed by
	// EventTurnComplete; the session stays usable.
	EventError EventKind = "error"
	// EventTurnComplete is the last event of every turn.
	EventTurnComplete EventKind = "turn-complete"
)

// Event is one element of a turn's ordered event stream.
type Event struct {
	Kind EventKind `json:"kind"`

	// EventToken
	Token string `json:"token,omitempty"`

	// EventRetrievalContext
	Chunks []retrieval.Chunk `json:"chunks,omitempty"`
	Note   string            `json:"note,omitempty"`

	// EventToolCallStarted / EventToolCallResult
	InvocationID string         `json:"invocation_id,omitempty"`
	Tool         string         `json:"tool,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Result       string         `json:"result,omitempty"`

	// EventError and failed tool results
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// EventTurnComplete
	Model        string `json:"model,omitempty"`
	ToolCalls    int    `json:"tool_calls,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// EmitFunc receives turn events in order. Calls are synchronous and
// single-threaded per turn; a slow emit backpressures generation.
type EmitFunc func(Event)

// Retriever fetches documentation context for a user message.
type Retriever interface {
	Search(ctx context.Context, query string) ([]retrieval.Chunk, error)
}

// Archiver persists finished messages for transcript export.
type Archiver interface {
	ArchiveMessage(ctx context.Context, sessionID, role, content string) error
}

// TokenSink accumulates token usage for telemetry.
type TokenSink interface {
	OnTokens(input, output int)
}

// Config configures an Orchestrator.
type Config struct {
	LLM      llm.Client
	Registry *session.Registry
	// Retriever may be nil when the retrieval collaborator is disabled.
	Retriever Retriever
	// Archiver may be nil when archiving is disabled.
	Archiver Archiver
	// TokenSink may be nil.
	TokenSink TokenSink
	// Bus receives operational events. May be nil.
	Bus *events.Bus

	DefaultModel string
	SystemPrompt string
	// MaxToolDepth bounds generate→invoke rounds per turn (default 8).
	MaxToolDepth int
	Logger       *slog.Logger
}

// Orchestrator drives turns. Safe for concurrent use across sessions;
// turns within one session are serialized by the registry.
type Orchestrator struct {
	llm          llm.Client
	registry     *session.Registry
	retriever    Retriever
	archiver     Archiver
	tokenSink    TokenSink
	bus          *events.Bus
	defaultModel string
	systemPrompt string
	maxToolDepth int
	logger       *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = 8
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.DefaultSystem
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		llm:          cfg.LLM,
		registry:     cfg.Registry,
		retriever:    cfg.Retriever,
		archiver:     cfg.Archiver,
		tokenSink:    cfg.TokenSink,
		bus:          cfg.Bus,
		defaultModel: cfg.DefaultModel,
		systemPrompt: cfg.SystemPrompt,
		maxToolDepth: cfg.MaxToolDepth,
		logger:       logger.With("component", "orchestrator"),
	}
}

// RunTurn executes one turn for the session and streams events through
// emit. It returns an error only when the turn could not start
// (session.ErrTurnActive) or the context was cancelled mid-turn; model
// and tool failures are reported as events and leave the session
// usable.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID, userMessage, model string, emit EmitFunc) error {
	sess := o.registry.Get(sessionID)
	turn, err := sess.BeginTurn()
	if err != nil {
		return err
	}
	defer turn.End()

	if model == "" {
		model = o.defaultModel
	}
	start := time.Now()

	o.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceOrchestrator,
		Kind:      events.KindTurnStart,
		Data: map[string]any{
			"session_id":  sessionID,
			"model":       model,
			"message_len": len(userMessage),
		},
	})

	// Phase 1: retrieval context. Failure never fails the turn.
	chunks := o.retrieve(ctx, sessionID, userMessage, emit)

	sess.AddMessage(llm.Message{Role: "user", Content: userMessage})
	o.archive(ctx, sessionID, "user", userMessage)

	// Phase 2: tool definitions from the binding captured at turn
	// start. A dead or missing binding means the turn runs without
	// tools.
	toolDefs := o.toolDefs(ctx, sessionID, turn.Connector)

	messages := o.buildContext(sess, chunks)

	// Phase 3: the generate/invoke loop, bounded by tool depth.
	var totalInput, totalOutput, toolCalls int
	complete := func() {
		emit(Event{
			Kind:         EventTurnComplete,
			Model:        model,
			ToolCalls:    toolCalls,
			InputTokens:  totalInput,
			OutputTokens: totalOutput,
		})
		o.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceOrchestrator,
			Kind:      events.KindTurnComplete,
			Data: map[string]any{
				"session_id": sessionID,
				"model":      model,
				"tool_calls": toolCalls,
				"tokens_in":  totalInput,
				"tokens_out": totalOutput,
				"elapsed_ms": time.Since(start).Milliseconds(),
			},
		})
	}

	for depth := range o.maxToolDepth {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := o.llm.ChatStream(ctx, model, messages, toolDefs, func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken && ev.Token != "" {
				emit(Event{Kind: EventToken, Token: ev.Token})
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("model call failed",
				"session_id", sessionID,
				"model", model,
				"depth", depth,
				"error", err,
			)
			emit(Event{Kind: EventError, Error: err.Error(), ErrorKind: "model"})
			complete()
			return nil
		}

		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens
		if o.tokenSink != nil {
			o.tokenSink.OnTokens(resp.InputTokens, resp.OutputTokens)
		}

		// No tool calls: the turn is done.
		if len(resp.Message.ToolCalls) == 0 {
			sess.AddMessage(resp.Message)
			o.archive(ctx, sessionID, "assistant", resp.Message.Content)
			complete()
			return nil
		}

		messages = append(messages, resp.Message)
		sess.AddMessage(resp.Message)

		for _, tc := range resp.Message.ToolCalls {
			if err := ctx.Err(); err != nil {
				return err
			}
			result := o.invokeTool(ctx, sessionID, turn.Connector, tc, emit)
			toolCalls++
			toolMsg := llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			sess.AddMessage(toolMsg)
		}
	}

	// Depth bound exceeded: report and end the turn cleanly.
	o.logger.Warn("tool depth exceeded",
		"session_id", sessionID,
		"model", model,
		"max_depth", o.maxToolDepth,
	)
	emit(Event{Kind: EventError, Error: prompts.DepthExceededNote, ErrorKind: "depth"})
	complete()
	return nil
}

// retrieve asks the collaborator for context and always emits exactly
// one retrieval-context event.
func (o *Orchestrator) retrieve(ctx context.Context, sessionID, query string, emit EmitFunc) []retrieval.Chunk {
	if o.retriever == nil {
		emit(Event{Kind: EventRetrievalContext, Note: "retrieval disabled"})
		return nil
	}
	chunks, err := o.retriever.Search(ctx, query)
	if err != nil {
		o.logger.Warn("retrieval failed", "session_id", sessionID, "error", err)
		emit(Event{Kind: EventRetrievalContext, Note: "retrieval unavailable: " + err.Error()})
		return nil
	}
	emit(Event{Kind: EventRetrievalContext, Chunks: chunks})
	return chunks
}

// toolDefs fetches the connector's tool list and converts it to the
// provider-neutral function schema. Any failure downgrades the turn to
// tool-less rather than failing it.
func (o *Orchestrator) toolDefs(ctx context.Context, sessionID string, conn *connector.Connector) []map[string]any {
	if conn == nil {
		return nil
	}
	tools, err := conn.Tools(ctx)
	if err != nil {
		o.logger.Warn("tool listing failed; turn runs without tools",
			"session_id", sessionID,
			"endpoint", conn.Descriptor().Endpoint(),
			"error", err,
		)
		return nil
	}

	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return defs
}

// invokeTool runs one tool call and emits the started/result pair. The
// returned string is always a usable tool-role message: errors come
// back error-shaped so the model sees the failure as data.
func (o *Orchestrator) invokeTool(ctx context.Context, sessionID string, conn *connector.Connector, tc llm.ToolCall, emit EmitFunc) string {
	name := tc.Function.Name
	args := tc.Function.Arguments

	if conn == nil {
		emit(Event{Kind: EventToolCallStarted, Tool: name, Args: args})
		emit(Event{
			Kind:      EventToolCallResult,
			Tool:      name,
			Error:     prompts.NoBindingResult,
			ErrorKind: "no-binding",
		})
		return prompts.NoBindingResult
	}

	emit(Event{Kind: EventToolCallStarted, Tool: name, Args: args})
	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindToolCall,
		Data:      map[string]any{"session_id": sessionID, "tool": name},
	})

	inv := conn.Invoke(ctx, name, args)

	o.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceOrchestrator,
		Kind:      events.KindToolDone,
		Data: map[string]any{
			"session_id":    sessionID,
			"tool":          name,
			"invocation_id": inv.ID,
			"ok":            !inv.Failed(),
			"error_kind":    inv.ErrKind,
			"duration_ms":   inv.CompletedAt.Sub(inv.StartedAt).Milliseconds(),
		},
	})

	if inv.Failed() {
		emit(Event{
			Kind:         EventToolCallResult,
			InvocationID: inv.ID,
			Tool:         name,
			Error:        inv.Err.Error(),
			ErrorKind:    inv.ErrKind,
		})
		return prompts.ToolErrorResult(inv.ErrKind, inv.Err.Error())
	}

	emit(Event{
		Kind:         EventToolCallResult,
		InvocationID: inv.ID,
		Tool:         name,
		Result:       inv.Result,
	})
	return inv.Result
}

// buildContext assembles the message list: system prompt with retrieval
// context appended, then the session history (which already includes
// the new user message).
func (o *Orchestrator) buildContext(sess *session.Session, chunks []retrieval.Chunk) []llm.Message {
	system := o.systemPrompt + prompts.RetrievalBlock(chunks)
	messages := []llm.Message{{Role: "system", Content: system}}
	for _, m := range sess.History() {
		if m.Role == "system" {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

func (o *Orchestrator) archive(ctx context.Context, sessionID, role, content string) {
	if o.archiver == nil || content == "" {
		return
	}
	if err := o.archiver.ArchiveMessage(ctx, sessionID, role, content); err != nil {
		o.logger.Warn("archive write failed", "session_id", sessionID, "error", err)
	}
}

// IsTurnActive reports whether err is the turn-already-active rejection.
func IsTurnActive(err error) bool {
	return errors.Is(err, session.ErrTurnActive)
}
