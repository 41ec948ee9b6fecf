package domain

import "time"

// Role values for a Turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tier is a backend quality/cost level selectable per reply.
type Tier string

const (
	// TierBase answers everyday messages on the cheap model.
	TierBase Tier = "base"
	// TierElevated answers on the slower, more capable model. Once a sender
	// triggers it, it stays selected until the conversation is reset.
	TierElevated Tier = "elevated"
)

// Turn is a single message within a Conversation.
type Turn struct {
	Content   string
	Role      string
	Timestamp time.Time
	// Tier is set on assistant turns only.
	Tier Tier
	// Tokens is the input+output cost attributed to this turn. User turns
	// carry 0 by convention.
	Tokens int
}

// Conversation is the durable per-sender chat session. At most one
// conversation per sender is active at any time.
type Conversation struct {
	ID         string
	SenderID   string
	Title      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	IsActive   bool
	TokenCount int
	// Turns are ordered by insertion; the most recent N form the LLM context.
	Turns []Turn
}
