// Package llm provides the role-based chat client the engine talks to.
// Every engine role (planner, executor, reflector, summarizer) may bind a
// different model and sampling configuration; requests go over a plain
// OpenAI-compatible HTTP chat endpoint. Responses that are expected to be
// JSON run through a salvage parser, and persistently malformed output is
// pushed back to the model with a correction message.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

const (
	// DefaultRequestTimeout bounds one chat call. Planning and reflection
	// prompts over a large causal graph routinely run for minutes.
	DefaultRequestTimeout = 1200 * time.Second

	// DefaultMaxRetries on transient transport errors.
	DefaultMaxRetries = 3

	// retryBaseWait grows linearly with the attempt number.
	retryBaseWait = 5 * time.Second

	// maxCorrectionRetries bounds how many times a malformed JSON response
	// is sent back to the model for correction.
	maxCorrectionRetries = 3

	// correctionMessage is appended as a user turn when the model's output
	// could not be salvaged into JSON.
	correctionMessage = "Your previous response was not valid JSON. Please correct the format and provide the full response again, ensuring it is a single, valid JSON object."
)

// ErrMalformedResponse is returned when the model never produced parseable
// JSON within the correction budget.
var ErrMalformedResponse = errors.New("llm response is not valid JSON")

// Emitter publishes llm.request / llm.response envelopes for observers.
type Emitter interface {
	Emit(event, sessionID string, payload map[string]any)
}

// Client sends chat requests to OpenAI-compatible endpoints, selecting
// model and sampling parameters by engine role.
type Client struct {
	registry   *config.LLMRoleRegistry
	httpClient *http.Client
	emitter    Emitter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithEmitter wires request/response event emission (nil disables it).
func WithEmitter(emitter Emitter) Option {
	return func(c *Client) { c.emitter = emitter }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a chat client over the given role registry.
func NewClient(registry *config.LLMRoleRegistry, opts ...Option) *Client {
	c := &Client{
		registry: registry,
		// Per-request timeouts come from the role config via context.
		httpClient: &http.Client{},
		logger:     slog.Default().With("component", "llm_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []models.Message `json:"messages"`
	Temperature    *float64         `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Stream         bool             `json:"stream"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the subset of the OpenAI-compatible response we read.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// SendStructured sends the conversation under the given role and returns
// the parsed JSON object. Malformed output triggers up to
// maxCorrectionRetries correction turns before giving up.
func (c *Client) SendStructured(ctx context.Context, sessionID, role string, messages []models.Message) (map[string]any, *models.CycleMetrics, error) {
	cfg, err := c.registry.Get(role)
	if err != nil {
		return nil, nil, err
	}

	conversation := append([]models.Message(nil), messages...)
	metrics := &models.CycleMetrics{}

	for attempt := 0; attempt <= maxCorrectionRetries; attempt++ {
		content, callMetrics, err := c.send(ctx, sessionID, role, cfg, conversation, true)
		if err != nil {
			return nil, metrics, err
		}
		metrics.Add(callMetrics)

		parsed, ok := SalvageJSON(content)
		if ok {
			return parsed, metrics, nil
		}

		c.logger.Warn("llm returned malformed JSON, requesting correction",
			"session_id", sessionID, "role", role, "attempt", attempt+1)
		conversation = append(conversation,
			models.AssistantMessage(content),
			models.UserMessage(correctionMessage))
	}

	return nil, metrics, fmt.Errorf("%w after %d correction attempts", ErrMalformedResponse, maxCorrectionRetries)
}

// SendText sends the conversation under the given role and returns the raw
// completion text.
func (c *Client) SendText(ctx context.Context, sessionID, role string, messages []models.Message) (string, *models.CycleMetrics, error) {
	cfg, err := c.registry.Get(role)
	if err != nil {
		return "", nil, err
	}
	content, metrics, err := c.send(ctx, sessionID, role, cfg, messages, false)
	if err != nil {
		return "", nil, err
	}
	return content, metrics, nil
}

// send performs one chat call with transport-level retry.
func (c *Client) send(ctx context.Context, sessionID, role string, cfg *config.LLMRoleConfig, messages []models.Message, expectJSON bool) (string, *models.CycleMetrics, error) {
	c.emit(models.EventLLMRequest, sessionID, map[string]any{
		"role":          role,
		"model":         cfg.Model,
		"message_count": len(messages),
	})

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		content, metrics, err := c.doRequest(ctx, cfg, messages, expectJSON)
		if err == nil {
			c.emit(models.EventLLMResponse, sessionID, map[string]any{
				"role":              role,
				"model":             cfg.Model,
				"content":           content,
				"prompt_tokens":     metrics.PromptTokens,
				"completion_tokens": metrics.CompletionTokens,
				"cost":              metrics.Cost,
			})
			return content, metrics, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			break
		}

		wait := retryBaseWait * time.Duration(attempt)
		c.logger.Warn("llm request failed, retrying",
			"role", role, "model", cfg.Model,
			"attempt", attempt, "max_retries", maxRetries,
			"wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	return "", nil, fmt.Errorf("llm request for role %q: %w", role, lastErr)
}

// doRequest performs a single HTTP round trip.
func (c *Client) doRequest(ctx context.Context, cfg *config.LLMRoleConfig, messages []models.Message, expectJSON bool) (string, *models.CycleMetrics, error) {
	body := chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if expectJSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal chat request: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, chatEndpoint(cfg.BaseURL), bytes.NewReader(raw))
	if err != nil {
		return "", nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("chat request to %s: %w", cfg.BaseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", nil, &apiError{StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, fmt.Errorf("chat response has no choices")
	}

	metrics := &models.CycleMetrics{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Cost:             cfg.Cost(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
	}
	return parsed.Choices[0].Message.Content, metrics, nil
}

func (c *Client) emit(event, sessionID string, payload map[string]any) {
	if c.emitter == nil || sessionID == "" {
		return
	}
	c.emitter.Emit(event, sessionID, payload)
}

// apiError is a non-200 response from the chat endpoint.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("llm api returned HTTP %d: %s", e.StatusCode, e.Body)
}

// isRetryable reports whether a failed call is worth another attempt.
// Rate limits and server-side errors are transient; 4xx responses other
// than 429 mean the request itself is wrong.
func isRetryable(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport-level failures (dial, reset, timeout) surface as url.Error.
	return true
}

// chatEndpoint resolves the full chat-completions URL from a configured
// base. A base that already names the endpoint is used as-is.
func chatEndpoint(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(trimmed, "/chat/completions") {
		return trimmed
	}
	return trimmed + "/chat/completions"
}

func truncateBody(body []byte) string {
	const max = 2000
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
