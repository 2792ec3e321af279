package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atriumhq/atrium/internal/httpkit"
)

// OllamaClient is a client for the Ollama /api/chat endpoint.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. streamTimeout bounds how
// long the server may take to start answering a request (response
// headers); zero selects a conservative default. The response body
// itself is unbounded; long generations are normal, and cancellation
// of ctx is what cuts them off.
func NewOllamaClient(baseURL string, streamTimeout time.Duration, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if streamTimeout <= 0 {
		streamTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = streamTimeout

	return &OllamaClient{
		baseURL: baseURL,
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0), // streaming responses are long-lived; ctx governs
			httpkit.WithTransport(t),
		),
	}
}

// ollamaWireRequest is the request format for the Ollama chat API.
type ollamaWireRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

// ollamaWireResponse is the raw Ollama chat response. Durations are
// nanoseconds and the timestamp is RFC 3339 text; toChatResponse
// converts them to proper Go types at the provider boundary.
type ollamaWireResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     created,
		Message:       w.Message,
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request to Ollama. If callback is non-nil the
// request is streamed and each content token is delivered as a
// KindToken event as it arrives.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaWireRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	var result *ChatResponse
	if stream {
		result, err = c.readStream(resp.Body, callback)
	} else {
		var wire ollamaWireResponse
		if derr := json.NewDecoder(resp.Body).Decode(&wire); derr != nil {
			err = fmt.Errorf("decode response: %w", derr)
		} else {
			result = wire.toChatResponse()
		}
	}
	if err != nil {
		return nil, err
	}

	// Some local models answer tool requests as JSON in the content
	// body instead of the native tool_calls field. Recover those so the
	// turn loop sees a uniform shape.
	if len(result.Message.ToolCalls) == 0 && result.Message.Content != "" {
		if parsed := parseTextToolCalls(result.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			result.Message.ToolCalls = parsed
			result.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)

	return result, nil
}

// readStream consumes Ollama's newline-delimited JSON stream,
// forwarding content tokens to the callback and accumulating the full
// response.
func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var final *ChatResponse
	var contentBuilder strings.Builder
	var toolCalls []ToolCall

	decoder := json.NewDecoder(body)
	for {
		var chunk ollamaWireResponse
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}

		if chunk.Message.Content != "" {
			contentBuilder.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}

		// Tool calls arrive on the final chunk.
		if len(chunk.Message.ToolCalls) > 0 {
			toolCalls = chunk.Message.ToolCalls
		}

		if chunk.Done {
			final = chunk.toChatResponse()
			break
		}
	}

	if final == nil {
		final = &ChatResponse{Done: true}
	}
	final.Message.Role = "assistant"
	final.Message.Content = contentBuilder.String()
	final.Message.ToolCalls = toolCalls
	return final, nil
}

// extractToolNames pulls the function names out of OpenAI-format tool
// definitions. Used to validate text-parsed tool calls against the
// tools actually offered to the model.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many local models emit tool calls as JSON in the content rather than
// using the native tool_calls field. Handled formats:
//   - raw object: {"name": "...", "arguments": {...}}
//   - JSON array of such objects
//   - concatenated objects: {...}{...}{...} (trailing prose ignored)
//   - tagged: <tool_call>...</tool_call>
//   - "tool_name {json}" when tool_name is one of validTools
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	// "tool_name {json}": a bare known tool name followed by its
	// arguments object.
	if name, rest, ok := strings.Cut(content, " "); ok && isValidTool(name, validTools) {
		rest = strings.TrimSpace(rest)
		if strings.HasPrefix(rest, "{") {
			var args map[string]any
			if err := json.Unmarshal([]byte(extractFirstJSON(rest)), &args); err == nil {
				return []ToolCall{newTextToolCall(name, args)}
			}
		}
	}

	// Array of tool calls.
	var calls []textToolCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		result := make([]ToolCall, 0, len(calls))
		for _, c := range calls {
			if c.Name == "" {
				continue
			}
			result = append(result, newTextToolCall(c.Name, c.Arguments))
		}
		return result
	}

	// One or more concatenated objects. A json.Decoder walks the stream
	// object by object; trailing prose after the last object is ignored.
	if strings.HasPrefix(content, "{") {
		var result []ToolCall
		decoder := json.NewDecoder(strings.NewReader(content))
		for {
			var single textToolCall
			if err := decoder.Decode(&single); err != nil {
				break
			}
			if single.Name == "" {
				break
			}
			if len(validTools) > 0 && !isValidTool(single.Name, validTools) {
				break
			}
			result = append(result, newTextToolCall(single.Name, single.Arguments))
		}
		return result
	}

	return nil
}

// textToolCall is the shape models use when emitting tool calls as text.
type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func newTextToolCall(name string, args map[string]any) ToolCall {
	var tc ToolCall
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

func isValidTool(name string, validTools []string) bool {
	for _, t := range validTools {
		if t == name {
			return true
		}
	}
	return false
}

// extractFirstJSON returns the first balanced JSON object in s, or s
// itself if no balanced object is found.
func extractFirstJSON(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[:i+1]
				}
			}
		}
	}
	return s
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}

// ListModels returns the model names the Ollama server has available.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d", resp.StatusCode)
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
