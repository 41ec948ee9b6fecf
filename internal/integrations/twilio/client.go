// Package twilio delivers outbound WhatsApp messages through the Twilio
// REST Messages API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Getter resolves a named secret, typically from SSM Parameter Store.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// credentials is the expected JSON shape of the Twilio credential parameter.
type credentials struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
}

// sendResponse is the minimal response shape returned when creating a
// message.
type sendResponse struct {
	SID string `json:"sid"`
}

// HTTPStatusError captures non-2xx Twilio responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client sends WhatsApp messages from a fixed sender number.
type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     Getter
	credParam  string
	fromNumber string

	credOnce sync.Once
	creds    credentials
	credErr  error
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client that resolves its account credentials from the
// given parameter on first use. fromNumber is the WhatsApp-prefixed sender,
// e.g. "whatsapp:+14155238886".
func NewClient(getter Getter, credParam, fromNumber string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("twilio: credential getter must not be nil")
	}
	if strings.TrimSpace(credParam) == "" {
		return nil, errors.New("twilio: credential parameter name must not be empty")
	}
	if strings.TrimSpace(fromNumber) == "" {
		return nil, errors.New("twilio: from number must not be empty")
	}
	c := &Client{
		baseURL:    "https://api.twilio.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		getter:     getter,
		credParam:  credParam,
		fromNumber: fromNumber,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveCredentials(ctx context.Context) (credentials, error) {
	c.credOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.credParam)
		if err != nil {
			c.credErr = fmt.Errorf("twilio: fetch credentials: %w", err)
			return
		}
		if err := json.Unmarshal([]byte(raw), &c.creds); err != nil {
			c.credErr = fmt.Errorf("twilio: decode credentials: %w", err)
			return
		}
		if c.creds.AccountSID == "" || c.creds.AuthToken == "" {
			c.credErr = errors.New("twilio: credentials missing accountSid or authToken")
		}
	})
	return c.creds, c.credErr
}

// Deliver sends one message to the recipient. It returns the provider
// message SID on success; callers treat delivery as fire-and-forget beyond
// the error itself.
func (c *Client) Deliver(ctx context.Context, to, body string) (string, error) {
	creds, err := c.resolveCredentials(ctx)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("From", c.fromNumber)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, creds.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: send message: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("twilio: read response body: %w", err)
	}
	var payload sendResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("twilio: decode response: %w", err)
	}
	return payload.SID, nil
}
