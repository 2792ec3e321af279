// Package retrieval provides the client for the external document
// retrieval collaborator. Atrium never talks to the vector index
// itself; it POSTs a query to the retrieval service and receives
// scored document chunks to fold into the model context.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atriumhq/atrium/internal/httpkit"
)

// Chunk is one scored document fragment returned by the retrieval
// service.
type Chunk struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

// Config describes how to reach the retrieval service.
type Config struct {
	// URL is the service base URL; queries go to {URL}/search.
	URL string
	// TopK is how many chunks to request per query (default 5).
	TopK int
	// Timeout bounds each search round trip (default 15s).
	Timeout time.Duration
	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Client queries the retrieval service.
type Client struct {
	baseURL    string
	topK       int
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a retrieval client.
func New(cfg Config) *Client {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		topK:    cfg.TopK,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "retrieval"),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []Chunk `json:"results"`
}

// Search sends the query to the retrieval service and returns scored
// chunks, best first.
func (c *Client) Search(ctx context.Context, query string) ([]Chunk, error) {
	body, err := json.Marshal(searchRequest{Query: query, TopK: c.topK})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("retrieval service error %d: %s", resp.StatusCode, errBody)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	c.logger.Debug("retrieval query complete", "query_len", len(query), "chunks", len(result.Results))
	return result.Results, nil
}

// Ping checks whether the retrieval service is reachable. Used by the
// connection watchdog and the readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retrieval service error %d", resp.StatusCode)
	}
	return nil
}
