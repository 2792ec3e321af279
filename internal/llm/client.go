// Package llm provides the model-provider clients used by the
// orchestrator: an Ollama client, an Anthropic client, and a
// MultiClient that routes model names to providers.
package llm

import "context"

// Client is implemented by every model provider.
type Client interface {
	// Chat runs one non-streaming completion.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream runs a streaming completion. When callback is non-nil
	// it receives each StreamEvent as it arrives; the returned response
	// carries the assembled final message either way.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping reports whether the provider is reachable.
	Ping(ctx context.Context) error
}
