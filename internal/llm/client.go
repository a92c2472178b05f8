// Package llm talks to an OpenRouter compatible chat-completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"social-autopilot/internal/errors"
	"social-autopilot/internal/guard"
	"social-autopilot/internal/logging"
	"social-autopilot/internal/telemetry"
)

const (
	// DefaultModel is the fallback model when none is specified.
	DefaultModel   = "openai/gpt-4o-mini"
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

// Request is a single prompt for the text-generation service.
type Request struct {
	System    string
	Prompt    string
	Model     string // empty = client default
	MaxTokens int    // 0 = client default
}

// Generator turns a prompt into text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config holds client configuration.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64 // nil = use default (0.7)
	MaxTokens   *int     // nil = use default (400)
	MaxRetries  int      // 0 = 3 attempts
	RetryDelay  time.Duration
	Logger      *zap.SugaredLogger
}

// Client is an OpenRouter chat-completions client.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *zap.SugaredLogger
}

// NewClient creates a client with defaults applied.
func NewClient(config Config) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Temperature == nil {
		t := 0.7
		config.Temperature = &t
	}
	if config.MaxTokens == nil {
		n := 400
		config.MaxTokens = &n
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		config:     config,
		logger:     logging.OrNop(config.Logger),
	}
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the wire request.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is the wire response.
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// CreateChatCompletion sends one request. Any non-200 status is an error.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("X-Title", "social-autopilot")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &out, nil
}

// Generate sends the prompt, retrying network errors, and returns the
// trimmed completion text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if !c.IsConfigured() {
		telemetry.LLMRequests.WithLabelValues("not_configured").Inc()
		return "", errors.Wrap(errors.ErrNotConfigured, "OpenRouter API key not configured")
	}

	model := c.config.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := *c.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	messages := []Message{{Role: "user", Content: req.Prompt}}
	if req.System != "" {
		messages = append([]Message{{Role: "system", Content: req.System}}, messages...)
	}
	wire := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: *c.config.Temperature,
		MaxTokens:   maxTokens,
	}

	c.logger.Debugw("llm request", "model", model, "max_tokens", maxTokens, "prompt_length", len(req.Prompt))

	var resp *ChatCompletionResponse
	var err error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.config.RetryDelay
			c.logger.Debugw("retrying llm request", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err = c.CreateChatCompletion(ctx, wire)
		if err == nil {
			break
		}
		c.logger.Warnw("llm request failed", "attempt", attempt+1, "max_retries", c.config.MaxRetries, "error", err, "model", model)
		if !isRetryableError(err) {
			telemetry.LLMRequests.WithLabelValues("error").Inc()
			return "", errors.Wrap(err, "OpenRouter API error")
		}
	}
	if err != nil {
		telemetry.LLMRequests.WithLabelValues("error").Inc()
		return "", errors.Wrapf(err, "OpenRouter API error after %d attempts", c.config.MaxRetries)
	}
	if len(resp.Choices) == 0 {
		telemetry.LLMRequests.WithLabelValues("empty").Inc()
		return "", errors.New("no response choices from OpenRouter")
	}

	telemetry.LLMRequests.WithLabelValues("ok").Inc()
	c.logger.Debugw("llm response", "model", resp.Model, "total_tokens", resp.Usage.TotalTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// isRetryableError reports network-level failures worth another attempt.
func isRetryableError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset by peer", "connection refused", "timeout", "temporary failure", "network is unreachable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Guarded routes every Generate call through a rate limiter and circuit breaker.
type Guarded struct {
	Generator Generator
	Guard     guard.Guard
}

func (g Guarded) Generate(ctx context.Context, req Request) (string, error) {
	return guard.Run(ctx, g.Guard, func(ctx context.Context) (string, error) {
		return g.Generator.Generate(ctx, req)
	})
}
