package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// DefaultBaseURL is the OpenRouter chat completions endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// systemPrompt instructs the model to emit the artifact shape the worker
// validates: a JSON object with "code" and "filename" properties.
const systemPrompt = "You are a Shopify theme developer. Generate a liquid template or a JSON schema " +
	"for a Shopify theme section. Return ONLY a valid JSON object with 'code' and 'filename' properties."

// ErrMissingAPIKey is returned when the client was built without a key.
var ErrMissingAPIKey = errors.New("backend: OPENROUTER_API_KEY is not set")

// OpenRouter is a Generator over the OpenRouter chat completions API.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Generator = (*OpenRouter)(nil)

// OpenRouterOption configures the client.
type OpenRouterOption func(*OpenRouter)

// WithBaseURL overrides the API base URL (tests point this at a local server).
func WithBaseURL(u string) OpenRouterOption {
	return func(c *OpenRouter) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) OpenRouterOption {
	return func(c *OpenRouter) { c.httpClient = hc }
}

// NewOpenRouter creates an OpenRouter-backed Generator.
func NewOpenRouter(apiKey string, logger *slog.Logger, opts ...OpenRouterOption) *OpenRouter {
	c := &OpenRouter{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate sends the prompt to the chat completions endpoint, requesting a
// JSON-object response, and returns the content with token usage.
func (c *OpenRouter) Generate(ctx context.Context, prompt, model string) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", "https://github.com/ayip001/themedraft")
	req.Header.Set("X-Title", "ThemeDraft")

	c.logger.Debug("calling generation backend", slog.String("model", model))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("backend: openrouter status %d: %s", resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("backend: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("backend: openrouter returned no choices")
	}

	servedModel := parsed.Model
	if servedModel == "" {
		servedModel = model
	}

	return &Result{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Model:        servedModel,
	}, nil
}
