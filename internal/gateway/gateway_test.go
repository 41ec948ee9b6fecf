package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

func decodeJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

type staticKeys struct {
	key string
	err error
}

func (s *staticKeys) GetParameter(_ context.Context, _ string) (string, error) {
	return s.key, s.err
}

type stubProvider struct {
	reply     Reply
	err       error
	gotModel  ModelSpec
	gotMsgs   []domain.ChatMessage
	callCount int
}

func (s *stubProvider) Send(_ context.Context, model ModelSpec, msgs []domain.ChatMessage) (Reply, error) {
	s.callCount++
	s.gotModel = model
	s.gotMsgs = msgs
	return s.reply, s.err
}

var (
	baseSpec     = ModelSpec{ID: "claude-haiku-4-5", MaxOutputTokens: 8192}
	elevatedSpec = ModelSpec{ID: "claude-sonnet-4-5", MaxOutputTokens: 8192}
)

func TestNew_ValidatesInputs(t *testing.T) {
	_, err := New(nil, baseSpec, elevatedSpec)
	require.Error(t, err)

	_, err = New(&stubProvider{}, ModelSpec{}, elevatedSpec)
	require.Error(t, err)

	_, err = New(&stubProvider{}, baseSpec, ModelSpec{})
	require.Error(t, err)
}

func TestSend_RoutesTierToModel(t *testing.T) {
	backend := &stubProvider{reply: Reply{Text: "hi", InputTokens: 3, OutputTokens: 5}}
	gw, err := New(backend, baseSpec, elevatedSpec)
	require.NoError(t, err)

	out, err := gw.Send(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hello"}}, domain.TierBase)
	require.NoError(t, err)
	require.Equal(t, "hi", out.Text)
	require.Equal(t, baseSpec, backend.gotModel)

	_, err = gw.Send(context.Background(), nil, domain.TierElevated)
	require.NoError(t, err)
	require.Equal(t, elevatedSpec, backend.gotModel)
}

func TestSend_WrapsUnclassifiedErrors(t *testing.T) {
	backend := &stubProvider{err: errors.New("boom")}
	gw, err := New(backend, baseSpec, elevatedSpec)
	require.NoError(t, err)

	_, err = gw.Send(context.Background(), nil, domain.TierBase)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, KindUnclassified, gwErr.Kind)
}

func TestSend_PassesThroughClassifiedErrors(t *testing.T) {
	backend := &stubProvider{err: &Error{Kind: KindRateLimited, Provider: "anthropic"}}
	gw, err := New(backend, baseSpec, elevatedSpec)
	require.NoError(t, err)

	_, err = gw.Send(context.Background(), nil, domain.TierBase)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, KindRateLimited, gwErr.Kind)
}

func TestClassifyStatus(t *testing.T) {
	require.Equal(t, KindRateLimited, classifyStatus(http.StatusTooManyRequests))
	require.Equal(t, KindAuth, classifyStatus(http.StatusUnauthorized))
	require.Equal(t, KindAuth, classifyStatus(http.StatusForbidden))
	require.Equal(t, KindTimeout, classifyStatus(http.StatusGatewayTimeout))
	require.Equal(t, KindUnclassified, classifyStatus(http.StatusInternalServerError))
}

func TestClassifyTransport(t *testing.T) {
	require.Equal(t, KindTimeout, classifyTransport(context.DeadlineExceeded))
	require.Equal(t, KindNetwork, classifyTransport(errors.New("connection refused")))
}

func TestAnthropicClient_Send(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, decodeJSONBody(r, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content":[{"type":"text","text":"Hello back."}],
			"usage":{"input_tokens":12,"output_tokens":7}
		}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(&staticKeys{key: "sk-test"}, "/relay/anthropic-key", WithAnthropicBaseURL(srv.URL))
	require.NoError(t, err)

	out, err := c.Send(context.Background(), elevatedSpec, []domain.ChatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello back.", out.Text)
	require.Equal(t, 12, out.InputTokens)
	require.Equal(t, 7, out.OutputTokens)

	require.Equal(t, "/messages", gotPath)
	require.Equal(t, "sk-test", gotKey)
	require.Equal(t, anthropicVersion, gotVersion)
	require.Equal(t, "claude-sonnet-4-5", gotBody.Model)
	require.Equal(t, "Be brief.", gotBody.System)
	require.Len(t, gotBody.Messages, 1)
	require.Equal(t, "user", gotBody.Messages[0].Role)
}

func TestAnthropicClient_SendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(&staticKeys{key: "sk-test"}, "/relay/anthropic-key", WithAnthropicBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), baseSpec, nil)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, KindRateLimited, gwErr.Kind)
	require.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)
}

func TestAnthropicClient_SendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(&staticKeys{key: "sk-test"}, "/relay/anthropic-key",
		WithAnthropicBaseURL(srv.URL), WithAnthropicTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), baseSpec, nil)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, KindTimeout, gwErr.Kind)
}

func TestAnthropicClient_KeyFailureIsAuth(t *testing.T) {
	c, err := NewAnthropicClient(&staticKeys{err: errors.New("access denied")}, "/relay/anthropic-key")
	require.NoError(t, err)

	_, err = c.Send(context.Background(), baseSpec, nil)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, KindAuth, gwErr.Kind)
}

func TestOpenAIClient_Send(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, decodeJSONBody(r, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"Sure thing."}}],
			"usage":{"prompt_tokens":20,"completion_tokens":9}
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(&staticKeys{key: "sk-oai"}, "/relay/openai-key", WithOpenAIBaseURL(srv.URL))
	require.NoError(t, err)

	out, err := c.Send(context.Background(), ModelSpec{ID: "gpt-4o-mini", MaxOutputTokens: 4096}, []domain.ChatMessage{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello"},
	})
	require.NoError(t, err)
	require.Equal(t, "Sure thing.", out.Text)
	require.Equal(t, 20, out.InputTokens)
	require.Equal(t, 9, out.OutputTokens)

	require.Equal(t, "Bearer sk-oai", gotAuth)
	require.Equal(t, "/chat/completions", gotPath)
	require.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(&staticKeys{key: "sk-oai"}, "/relay/openai-key", WithOpenAIBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), ModelSpec{ID: "gpt-4o-mini"}, nil)
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, KindUnclassified, gwErr.Kind)
}

func TestSplitSystemMessages(t *testing.T) {
	system, chat := splitSystemMessages([]domain.ChatMessage{
		{Role: "system", Content: "one"},
		{Role: "system", Content: "two"},
		{Role: "user", Content: "question"},
	})
	require.Equal(t, "one\n\ntwo", system)
	require.Len(t, chat, 1)

	system, chat = splitSystemMessages([]domain.ChatMessage{{Role: "user", Content: "only"}})
	require.Empty(t, system)
	require.Len(t, chat, 1)
}
