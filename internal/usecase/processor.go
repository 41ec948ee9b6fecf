package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chat-relay/internal/domain"
	"chat-relay/internal/gateway"
	"chat-relay/internal/keyword"
	"chat-relay/internal/segment"
)

const (
	defaultContextTurns  = 10
	defaultMaxMessageLen = 1600
	defaultSegmentPause  = 500 * time.Millisecond

	newConversationTitle = "WhatsApp Conversation"
	resetAck             = "Started a new conversation. What would you like to talk about?"
)

// resetCommands start a fresh conversation instead of being answered.
var resetCommands = map[string]struct{}{
	"new conversation": {},
	"new":              {},
	"reset":            {},
	"start over":       {},
}

type ConversationStore interface {
	ActiveConversation(ctx context.Context, senderID string, turnLimit int) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, senderID, title string) (domain.Conversation, error)
	AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) error
	AddTokens(ctx context.Context, conversationID string, tokens int) error
}

type QueueMarker interface {
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

type Backend interface {
	Send(ctx context.Context, messages []domain.ChatMessage, tier domain.Tier) (gateway.Reply, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, to, body string) (string, error)
}

// Processor turns one claimed queue item into a delivered reply. It owns
// the full lifecycle of an item: claim, conversation lookup, keyword
// handling, the backend call, segmentation, delivery and the terminal
// status transition.
type Processor struct {
	queue   QueueMarker
	store   ConversationStore
	backend Backend
	sender  Deliverer
	prefs   *Preferences
	logger  zerolog.Logger

	contextTurns  int
	maxMessageLen int
	segmentPause  time.Duration

	// sleep is swapped out in tests to avoid real pacing delays.
	sleep func(time.Duration)
}

type ProcessorOption func(*Processor)

func WithContextTurns(n int) ProcessorOption {
	return func(p *Processor) { p.contextTurns = n }
}

func WithMaxMessageLen(n int) ProcessorOption {
	return func(p *Processor) { p.maxMessageLen = n }
}

func WithSegmentPause(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.segmentPause = d }
}

func NewProcessor(queue QueueMarker, store ConversationStore, backend Backend, sender Deliverer, prefs *Preferences, logger zerolog.Logger, opts ...ProcessorOption) (*Processor, error) {
	if queue == nil {
		return nil, errors.New("usecase: queue marker is required")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store is required")
	}
	if backend == nil {
		return nil, errors.New("usecase: backend is required")
	}
	if sender == nil {
		return nil, errors.New("usecase: deliverer is required")
	}
	if prefs == nil {
		prefs = NewPreferences()
	}
	p := &Processor{
		queue:         queue,
		store:         store,
		backend:       backend,
		sender:        sender,
		prefs:         prefs,
		logger:        logger,
		contextTurns:  defaultContextTurns,
		maxMessageLen: defaultMaxMessageLen,
		segmentPause:  defaultSegmentPause,
		sleep:         time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process handles a single pending queue item end to end. It returns a
// non-nil error when the item could not be completed; the item's terminal
// queue status has already been recorded by then where possible.
func (p *Processor) Process(ctx context.Context, item domain.QueueItem) error {
	logger := p.logger.With().
		Str("messageId", item.ID).
		Str("senderId", item.SenderID).
		Logger()

	if err := p.queue.MarkProcessing(ctx, item.ID); err != nil {
		return newError(ErrorQueue, "mark_processing_error", err)
	}

	if _, ok := resetCommands[strings.ToLower(strings.TrimSpace(item.Body))]; ok {
		return p.reset(ctx, item, logger)
	}

	conv, err := p.store.ActiveConversation(ctx, item.SenderID, p.contextTurns)
	if err != nil {
		return p.fail(ctx, item, "", newError(ErrorStore, "active_conversation_error", err), logger)
	}
	if conv == nil {
		created, err := p.store.CreateConversation(ctx, item.SenderID, newConversationTitle)
		if err != nil {
			return p.fail(ctx, item, "", newError(ErrorStore, "create_conversation_error", err), logger)
		}
		conv = &created
	}

	processed := keyword.Process(item.Body, p.prefs.Get(item.SenderID))
	if processed.TriggeredElevated {
		p.prefs.Elevate(item.SenderID)
		logger.Info().Str("conversationId", conv.ID).Msg("elevated model tier for sender")
	}

	messages := buildMessages(conv.Turns, processed.Cleaned)

	// The user turn is persisted before the backend call so it survives a
	// downstream failure.
	userTurn := domain.Turn{
		Content:   processed.Cleaned,
		Role:      domain.RoleUser,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.AppendTurn(ctx, conv.ID, userTurn); err != nil {
		return p.fail(ctx, item, conv.ID, newError(ErrorStore, "append_user_turn_error", err), logger)
	}

	reply, err := p.backend.Send(ctx, messages, processed.Tier)
	if err != nil {
		return p.fail(ctx, item, conv.ID, newError(ErrorBackend, "backend_send_error", err), logger)
	}

	assistantTurn := domain.Turn{
		Content:   reply.Text,
		Role:      domain.RoleAssistant,
		Timestamp: time.Now().UTC(),
		Tier:      processed.Tier,
		Tokens:    reply.InputTokens + reply.OutputTokens,
	}
	if err := p.store.AppendTurn(ctx, conv.ID, assistantTurn); err != nil {
		return p.fail(ctx, item, conv.ID, newError(ErrorStore, "append_assistant_turn_error", err), logger)
	}
	if err := p.store.AddTokens(ctx, conv.ID, assistantTurn.Tokens); err != nil {
		logger.Warn().Err(err).Str("conversationId", conv.ID).Msg("failed to update conversation token count")
	}

	p.deliverReply(ctx, item.SenderID, reply.Text, logger)

	if err := p.queue.MarkCompleted(ctx, item.ID); err != nil {
		return newError(ErrorQueue, "mark_completed_error", err)
	}
	logger.Info().
		Str("conversationId", conv.ID).
		Str("tier", string(processed.Tier)).
		Int("tokens", assistantTurn.Tokens).
		Msg("completed queue item")
	return nil
}

// reset abandons the sender's current conversation, clears any elevated
// tier preference and acknowledges the command.
func (p *Processor) reset(ctx context.Context, item domain.QueueItem, logger zerolog.Logger) error {
	conv, err := p.store.CreateConversation(ctx, item.SenderID, newConversationTitle)
	if err != nil {
		return p.fail(ctx, item, "", newError(ErrorStore, "reset_conversation_error", err), logger)
	}
	p.prefs.Clear(item.SenderID)

	if _, err := p.sender.Deliver(ctx, item.SenderID, resetAck); err != nil {
		logger.Warn().Err(err).Msg("failed to deliver reset acknowledgement")
	}
	if err := p.queue.MarkCompleted(ctx, item.ID); err != nil {
		return newError(ErrorQueue, "mark_completed_error", err)
	}
	logger.Info().Str("conversationId", conv.ID).Msg("reset conversation")
	return nil
}

// deliverReply sends the reply text, splitting it into numbered parts
// when it exceeds the transport limit. Delivery is fire-and-forget: a
// transport failure is logged but does not fail the item.
func (p *Processor) deliverReply(ctx context.Context, to, text string, logger zerolog.Logger) {
	if len(text) <= p.maxMessageLen {
		if _, err := p.sender.Deliver(ctx, to, text); err != nil {
			logger.Warn().Err(err).Msg("failed to deliver reply")
		}
		return
	}

	chunks := segment.Split(text, p.maxMessageLen)
	total := len(chunks)
	for i, chunk := range chunks {
		var body string
		if i == 0 {
			body = fmt.Sprintf("%s\n\n[Part 1/%d]", chunk, total)
		} else {
			body = fmt.Sprintf("[Part %d/%d]\n\n%s", i+1, total, chunk)
		}
		if _, err := p.sender.Deliver(ctx, to, body); err != nil {
			logger.Warn().Err(err).Int("part", i+1).Int("total", total).Msg("failed to deliver reply segment")
		}
		if i < total-1 {
			p.sleep(p.segmentPause)
		}
	}
}

// fail records the terminal failed status, leaves a diagnostic assistant
// turn in the conversation and apologizes to the sender. The diagnostic
// turn and the apology are best-effort; the status transition is not.
func (p *Processor) fail(ctx context.Context, item domain.QueueItem, conversationID string, procErr *Error, logger zerolog.Logger) error {
	logger.Error().Err(procErr).Msg("failed to process queue item")

	apology := apologyFor(procErr)
	if conversationID != "" {
		diag := domain.Turn{
			Content:   fmt.Sprintf("[%s] %s", procErr.Reason, truncateReason(procErr.Error(), 512)),
			Role:      domain.RoleAssistant,
			Timestamp: time.Now().UTC(),
		}
		if err := p.store.AppendTurn(ctx, conversationID, diag); err != nil {
			logger.Warn().Err(err).Msg("failed to record diagnostic turn")
		}
	}
	if _, err := p.sender.Deliver(ctx, item.SenderID, apology); err != nil {
		logger.Warn().Err(err).Msg("failed to deliver failure notice")
	}
	if err := p.queue.MarkFailed(ctx, item.ID, truncateReason(procErr.Error(), 1024)); err != nil {
		logger.Error().Err(err).Msg("failed to mark queue item failed")
	}
	return procErr
}

// apologyFor maps a processing failure to the user-facing notice.
func apologyFor(procErr *Error) string {
	var gerr *gateway.Error
	if errors.As(procErr, &gerr) {
		switch gerr.Kind {
		case gateway.KindTimeout:
			return "That took too long to answer. Please try again, maybe with a shorter question."
		case gateway.KindRateLimited:
			return "I'm handling too many requests right now. Please wait a moment and try again."
		case gateway.KindAuth:
			return "I can't reach my language model because of a configuration problem. Please contact support."
		case gateway.KindNetwork:
			return "I'm having trouble reaching the network. Please try again shortly."
		}
	}
	return fmt.Sprintf("Sorry, I encountered an error processing your message: %s. Please try again.", truncateReason(procErr.Reason, 120))
}

func truncateReason(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
