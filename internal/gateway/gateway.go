// Package gateway sends a bounded message history to a selected backend tier
// and returns the reply text together with token counts. Failures carry a
// classified ErrorKind so the queue processor can branch on the cause.
package gateway

import (
	"context"
	"errors"
	"strings"

	"chat-relay/internal/domain"
)

// Reply is a successful backend response.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ModelSpec maps a tier onto a provider-specific backend model.
type ModelSpec struct {
	ID              string
	MaxOutputTokens int
}

// provider is the vendor-specific transport behind the gateway.
type provider interface {
	Send(ctx context.Context, model ModelSpec, messages []domain.ChatMessage) (Reply, error)
}

// Gateway routes a request to the model configured for the selected tier.
type Gateway struct {
	backend  provider
	base     ModelSpec
	elevated ModelSpec
}

// New creates a Gateway over the given provider client with the two tier
// mappings.
func New(backend provider, base, elevated ModelSpec) (*Gateway, error) {
	if backend == nil {
		return nil, errors.New("gateway: backend must not be nil")
	}
	if strings.TrimSpace(base.ID) == "" || strings.TrimSpace(elevated.ID) == "" {
		return nil, errors.New("gateway: both tier model ids must be set")
	}
	return &Gateway{backend: backend, base: base, elevated: elevated}, nil
}

// Send forwards messages to the backend model for tier. Any returned error is
// a *Error with a populated Kind.
func (g *Gateway) Send(ctx context.Context, messages []domain.ChatMessage, tier domain.Tier) (Reply, error) {
	model := g.base
	if tier == domain.TierElevated {
		model = g.elevated
	}

	reply, err := g.backend.Send(ctx, model, messages)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) {
			return Reply{}, err
		}
		return Reply{}, &Error{Kind: KindUnclassified, Provider: "backend", Err: err}
	}
	return reply, nil
}
