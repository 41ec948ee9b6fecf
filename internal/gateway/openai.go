package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

// openaiRequest is the minimal request shape for the Chat Completions
// endpoint.
type openaiRequest struct {
	Model     string               `json:"model"`
	Messages  []domain.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

// openaiResponse is the minimal response shape returned by the Chat
// Completions endpoint.
type openaiResponse struct {
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAIClient is a focused client for OpenAI-compatible chat completions.
type OpenAIClient struct {
	baseURL    string
	httpClient *http.Client
	keys       KeyGetter
	keyParam   string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithOpenAIHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.httpClient = httpClient
	}
}

func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// NewOpenAIClient creates a client that resolves its API key from keys on
// first use and caches it for the process lifetime.
func NewOpenAIClient(keys KeyGetter, keyParam string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if keys == nil {
		return nil, errors.New("gateway: key getter must not be nil")
	}
	if strings.TrimSpace(keyParam) == "" {
		return nil, errors.New("gateway: key parameter name must not be empty")
	}
	c := &OpenAIClient{
		baseURL:    "https://api.openai.com/v1",
		httpClient: &http.Client{Timeout: defaultBackendTimeout},
		keys:       keys,
		keyParam:   keyParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *OpenAIClient) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = c.keys.GetParameter(ctx, c.keyParam)
		if c.keyErr == nil && strings.TrimSpace(c.apiKey) == "" {
			c.keyErr = errors.New("gateway: openai API key is empty")
		}
	})
	return c.apiKey, c.keyErr
}

// Send posts messages to the Chat Completions endpoint. System-role messages
// pass through unchanged; OpenAI accepts them inline.
func (c *OpenAIClient) Send(ctx context.Context, model ModelSpec, messages []domain.ChatMessage) (Reply, error) {
	if model.ID == "" {
		return Reply{}, errors.New("gateway: model id must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return Reply{}, &Error{Kind: KindAuth, Provider: "openai", Err: err}
	}

	body, err := json.Marshal(openaiRequest{
		Model:     model.ID,
		Messages:  messages,
		MaxTokens: model.MaxOutputTokens,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("gateway: marshal openai request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("gateway: create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := doJSONRequest(c.httpClient, req, "openai")
	if err != nil {
		return Reply{}, err
	}

	var payload openaiResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Reply{}, &Error{Kind: KindUnclassified, Provider: "openai", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(payload.Choices) == 0 {
		return Reply{}, &Error{Kind: KindUnclassified, Provider: "openai", Err: errors.New("no choices in response")}
	}

	return Reply{
		Text:         payload.Choices[0].Message.Content,
		InputTokens:  payload.Usage.PromptTokens,
		OutputTokens: payload.Usage.CompletionTokens,
	}, nil
}
