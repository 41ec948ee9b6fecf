package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const (
	anthropicVersion = "2023-06-01"
	// Elevated-tier deep dives can run long; the request timeout is the only
	// per-item cutoff in the pipeline.
	defaultBackendTimeout = 180 * time.Second
)

// anthropicRequest is the minimal request shape for the Messages endpoint.
type anthropicRequest struct {
	Model     string               `json:"model"`
	MaxTokens int                  `json:"max_tokens"`
	System    string               `json:"system,omitempty"`
	Messages  []domain.ChatMessage `json:"messages"`
}

// anthropicResponse is the minimal response shape returned by the Messages
// endpoint.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// KeyGetter resolves a named secret, typically from SSM Parameter Store.
type KeyGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// AnthropicClient is a focused client for the Anthropic Messages API.
type AnthropicClient struct {
	baseURL    string
	httpClient *http.Client
	keys       KeyGetter
	keyParam   string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithAnthropicHTTPClient(httpClient *http.Client) AnthropicOption {
	return func(c *AnthropicClient) {
		c.httpClient = httpClient
	}
}

func WithAnthropicTimeout(d time.Duration) AnthropicOption {
	return func(c *AnthropicClient) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// NewAnthropicClient creates a client that resolves its API key from keys on
// first use and caches it for the process lifetime.
func NewAnthropicClient(keys KeyGetter, keyParam string, opts ...AnthropicOption) (*AnthropicClient, error) {
	if keys == nil {
		return nil, errors.New("gateway: key getter must not be nil")
	}
	if strings.TrimSpace(keyParam) == "" {
		return nil, errors.New("gateway: key parameter name must not be empty")
	}
	c := &AnthropicClient{
		baseURL:    "https://api.anthropic.com/v1",
		httpClient: &http.Client{Timeout: defaultBackendTimeout},
		keys:       keys,
		keyParam:   keyParam,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *AnthropicClient) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = c.keys.GetParameter(ctx, c.keyParam)
		if c.keyErr == nil && strings.TrimSpace(c.apiKey) == "" {
			c.keyErr = errors.New("gateway: anthropic API key is empty")
		}
	})
	return c.apiKey, c.keyErr
}

// Send posts messages to the Messages endpoint. Leading system-role messages
// are moved into the request's system field, which is where Anthropic expects
// them.
func (c *AnthropicClient) Send(ctx context.Context, model ModelSpec, messages []domain.ChatMessage) (Reply, error) {
	if model.ID == "" {
		return Reply{}, errors.New("gateway: model id must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return Reply{}, &Error{Kind: KindAuth, Provider: "anthropic", Err: err}
	}

	system, chat := splitSystemMessages(messages)
	body, err := json.Marshal(anthropicRequest{
		Model:     model.ID,
		MaxTokens: model.MaxOutputTokens,
		System:    system,
		Messages:  chat,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("gateway: marshal anthropic request: %w", err)
	}

	url := c.baseURL + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("gateway: create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	raw, err := doJSONRequest(c.httpClient, req, "anthropic")
	if err != nil {
		return Reply{}, err
	}

	var payload anthropicResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Reply{}, &Error{Kind: KindUnclassified, Provider: "anthropic", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(payload.Content) == 0 {
		return Reply{}, &Error{Kind: KindUnclassified, Provider: "anthropic", Err: errors.New("no content blocks in response")}
	}

	return Reply{
		Text:         payload.Content[0].Text,
		InputTokens:  payload.Usage.InputTokens,
		OutputTokens: payload.Usage.OutputTokens,
	}, nil
}

// splitSystemMessages peels leading system-role messages off into a single
// system string, joined by blank lines.
func splitSystemMessages(messages []domain.ChatMessage) (string, []domain.ChatMessage) {
	var system []string
	i := 0
	for ; i < len(messages) && messages[i].Role == domain.RoleSystem; i++ {
		system = append(system, messages[i].Content)
	}
	return strings.Join(system, "\n\n"), messages[i:]
}

// doJSONRequest executes req and returns the response body, converting
// transport failures and non-2xx statuses into classified *Error values.
func doJSONRequest(client *http.Client, req *http.Request, providerName string) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultBackendTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, newTransportError(providerName, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, newHTTPError(providerName, res.StatusCode, string(buf))
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, newTransportError(providerName, fmt.Errorf("read response body: %w", err))
	}
	return buf, nil
}
