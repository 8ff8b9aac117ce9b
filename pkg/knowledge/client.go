// Package knowledge provides the HTTP client for the external
// vector-retrieval service. The service indexes the engagement's
// knowledge base (technique writeups, exploitation handbooks) and
// answers semantic queries; this client only speaks its REST surface.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one retrieval call.
	DefaultTimeout = 30 * time.Second

	// DefaultTopK is the result count requested when the caller passes 0.
	DefaultTopK = 5

	// healthTimeout keeps startup probes snappy.
	healthTimeout = 2 * time.Second

	// cacheTTL for repeated queries within one mission.
	cacheTTL = 5 * time.Minute
)

// ErrUnavailable is returned when the service cannot be reached or
// reports itself unhealthy.
var ErrUnavailable = errors.New("knowledge service unavailable")

// Snippet is one retrieved knowledge-base fragment.
type Snippet struct {
	ID      string  `json:"id"`
	DocID   string  `json:"doc_id,omitempty"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// RetrieveResult is the response of one retrieval query.
type RetrieveResult struct {
	Success      bool      `json:"success"`
	Query        string    `json:"query"`
	TotalResults int       `json:"total_results"`
	Results      []Snippet `json:"results"`
	Error        string    `json:"error,omitempty"`
}

// HealthStatus is the service's health report.
type HealthStatus struct {
	Status        string `json:"status"`
	KnowledgeBase struct {
		Status      string `json:"status"`
		TotalChunks int    `json:"total_chunks"`
	} `json:"knowledge_base"`
}

// Stats describes the indexed corpus.
type Stats struct {
	KnowledgeBase struct {
		Available   bool `json:"available"`
		TotalChunks int  `json:"total_chunks"`
	} `json:"knowledge_base"`
}

// Client talks to the knowledge service. A client with an empty base URL
// is disabled: Retrieve returns empty results and EnsureHealthy passes.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *queryCache
	logger     *slog.Logger
}

// NewClient creates a knowledge client. baseURL may be empty (disabled).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		cache:      newQueryCache(cacheTTL),
		logger:     slog.Default().With("component", "knowledge_client"),
	}
}

// Enabled reports whether a service URL is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// OverrideHTTPClientForTest replaces the internal HTTP client.
// For testing only.
func (c *Client) OverrideHTTPClientForTest(httpClient *http.Client) {
	c.httpClient = httpClient
}

// Retrieve runs a semantic query against the knowledge base. Failures
// are returned as errors; a disabled client returns an empty result so
// callers never need to branch on configuration.
func (c *Client) Retrieve(ctx context.Context, query string, topK int) (*RetrieveResult, error) {
	if !c.Enabled() {
		return &RetrieveResult{Success: true, Query: query, Results: []Snippet{}}, nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	cacheKey := fmt.Sprintf("%d|%s", topK, query)
	if snippets, ok := c.cache.get(cacheKey); ok {
		return &RetrieveResult{Success: true, Query: query, TotalResults: len(snippets), Results: snippets}, nil
	}

	body, err := json.Marshal(map[string]any{"query": query, "top_k": topK})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve_knowledge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result RetrieveResult
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("knowledge retrieval failed: %s", result.Error)
	}
	if result.Results == nil {
		result.Results = []Snippet{}
	}

	c.cache.set(cacheKey, result.Results)
	return &result, nil
}

// Health fetches the service's health report.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	if !c.Enabled() {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}

	var status HealthStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Stats fetches corpus statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	if !c.Enabled() {
		return nil, ErrUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("create stats request: %w", err)
	}

	var stats Stats
	if err := c.do(req, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// EnsureHealthy polls the health endpoint until the service reports
// healthy or the attempt budget runs out. Called once at mission start;
// a disabled client passes immediately.
func (c *Client) EnsureHealthy(ctx context.Context, attempts int, wait time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		status, err := c.Health(ctx)
		if err == nil && status.Status == "healthy" {
			c.logger.Info("knowledge service healthy",
				"url", c.baseURL, "total_chunks", status.KnowledgeBase.TotalChunks)
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%w: status %q", ErrUnavailable, status.Status)
		}

		if i < attempts {
			c.logger.Warn("knowledge service not ready, retrying",
				"attempt", i, "attempts", attempts, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("knowledge service failed health check after %d attempts: %w", attempts, lastErr)
}

// do executes a request and decodes a JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read knowledge response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("knowledge service returned HTTP %d for %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode knowledge response: %w", err)
	}
	return nil
}
