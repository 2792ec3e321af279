package llm

import (
	"context"
	"fmt"
)

// MultiClient routes each request to a provider by model name. Models
// without an explicit mapping go to the fallback provider.
type MultiClient struct {
	providers map[string]Client // provider name → client
	routes    map[string]string // model name → provider name
	fallback  Client
}

// NewMultiClient creates an empty router around the given fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes a model name to a registered provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.routes[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.routes[model]; ok {
		if client, ok := m.providers[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat routes a non-streaming completion to the model's provider.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream routes a streaming completion to the model's provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping probes the fallback provider; per-provider health is the
// caller's concern.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return fmt.Errorf("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}
