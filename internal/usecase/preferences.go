package usecase

import (
	"sync"

	"chat-relay/internal/domain"
)

// Preferences tracks the model tier each sender has earned through
// elevation keywords. Entries survive across messages within a process
// lifetime and are dropped when the sender starts a new conversation.
type Preferences struct {
	mu    sync.RWMutex
	tiers map[string]domain.Tier
}

func NewPreferences() *Preferences {
	return &Preferences{tiers: make(map[string]domain.Tier)}
}

// Get returns the sender's current tier, defaulting to the base tier.
func (p *Preferences) Get(senderID string) domain.Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if tier, ok := p.tiers[senderID]; ok {
		return tier
	}
	return domain.TierBase
}

// Elevate pins the sender to the elevated tier until cleared.
func (p *Preferences) Elevate(senderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers[senderID] = domain.TierElevated
}

// Clear resets the sender back to the base tier.
func (p *Preferences) Clear(senderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tiers, senderID)
}
