package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"context-bridge/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4-turbo-preview"

	// Low temperature keeps summaries focused and low-variance.
	summaryTemperature = 0.3

	systemPrompt = "You are a helpful assistant that creates concise summaries of AI conversations."
)

// ErrNotConfigured is returned when no API key was provided at construction.
var ErrNotConfigured = errors.New("openai: api key not configured")

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int         `json:"index"`
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for conversation summaries.
// It keeps no state between calls beyond the key and the HTTP client.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	apiKey     string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client. An empty apiKey is allowed: the client
// then reports itself as not configured and every Summarize call fails
// with ErrNotConfigured, which callers treat as "provider unavailable".
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     strings.TrimSpace(apiKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// resolvedHTTPClient returns the configured HTTP client, or a default with
// a 30s timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Summarize asks the model for a 2-3 sentence digest of the conversation
// and returns the text together with the token count and the model that
// produced it.
func (c *Client) Summarize(ctx context.Context, messages []domain.MessageInput, maxTokens int) (domain.SummaryResult, error) {
	if !c.Configured() {
		return domain.SummaryResult{}, ErrNotConfigured
	}
	if len(messages) == 0 {
		return domain.SummaryResult{}, errors.New("openai: messages must not be empty")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildSummaryPrompt(messages)},
		},
		MaxTokens:   maxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return domain.SummaryResult{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.SummaryResult{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return domain.SummaryResult{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.SummaryResult{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return domain.SummaryResult{}, errors.New("openai: no choices in response")
	}
	summary := strings.TrimSpace(payload.Choices[0].Message.Content)
	if summary == "" {
		return domain.SummaryResult{}, errors.New("openai: empty summary in response")
	}

	model := payload.Model
	if model == "" {
		model = c.model
	}

	return domain.SummaryResult{
		Summary:    summary,
		TokensUsed: payload.Usage.TotalTokens,
		Model:      model,
	}, nil
}

// buildSummaryPrompt renders the fixed instruction template around the
// conversation. Message order is preserved exactly as submitted.
func buildSummaryPrompt(messages []domain.MessageInput) string {
	turns := make([]string, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, fmt.Sprintf("%s: %s", strings.ToUpper(string(m.Role)), m.Content))
	}
	conversation := strings.Join(turns, "\n\n")

	return strings.Join([]string{
		"Summarize the following conversation concisely. Focus on:",
		"1. Main topics discussed",
		"2. Key questions asked",
		"3. Important conclusions or decisions",
		"4. Overall context and purpose",
		"",
		"Conversation:",
		conversation,
		"",
		"Provide a summary in 2-3 sentences that captures the essence of this conversation.",
	}, "\n")
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
