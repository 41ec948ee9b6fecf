// Package keyword implements the pure text transformation that strips
// trailing end-of-turn words (CB-radio style "over") and detects phrases
// asking for deeper analysis, which select the elevated model tier.
package keyword

import (
	"strings"

	"chat-relay/internal/domain"
)

// elevationTriggers select the elevated tier when present anywhere in the
// message, case-insensitively.
var elevationTriggers = []string{
	"think hard",
	"think carefully",
	"think deep",
	"think deeply",
	"deep dive",
	"analyze",
	"analyze carefully",
	"be thorough",
	"explain in detail",
	"detailed explanation",
	"comprehensive",
	"in depth",
}

// endOfTurnKeywords mark the end of a dictated message and are stripped from
// the tail before anything else happens.
var endOfTurnKeywords = []string{
	"over",
	"done",
	"send",
	"that's it",
	"end",
}

// Result is the outcome of processing one raw inbound message.
type Result struct {
	Tier    domain.Tier
	Cleaned string
	// Modified reports whether the text was changed or elevation triggered.
	Modified bool
	// TriggeredElevated reports that this message itself asked for the
	// elevated tier, as opposed to inheriting a sticky preference.
	TriggeredElevated bool
}

// Process cleans raw and selects the tier for the reply. currentTier is the
// sender's sticky preference; it is only ever upgraded, never downgraded.
// Process is total: it never fails and never discards all content on its own.
func Process(raw string, currentTier domain.Tier) Result {
	if currentTier == "" {
		currentTier = domain.TierBase
	}

	cleaned := stripEndKeyword(raw)

	// Detection runs on the stripped text so a trailing "over" cannot mask
	// an elevation phrase near the end of the message.
	triggered := containsTrigger(cleaned)

	tier := currentTier
	if triggered {
		tier = domain.TierElevated
	}

	return Result{
		Tier:              tier,
		Cleaned:           cleaned,
		Modified:          cleaned != raw || triggered,
		TriggeredElevated: triggered,
	}
}

func containsTrigger(text string) bool {
	lower := strings.ToLower(text)
	for _, trigger := range elevationTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// stripEndKeyword removes at most one trailing end-of-turn keyword, together
// with the separator immediately before it and any punctuation it leaves
// dangling. The keyword must be preceded by whitespace or sentence
// punctuation so words like "Dover" are left alone.
func stripEndKeyword(raw string) string {
	cleaned := strings.TrimSpace(raw)
	lower := strings.ToLower(cleaned)

	for _, kw := range endOfTurnKeywords {
		for _, pattern := range tailPatterns(kw) {
			if !strings.HasSuffix(lower, pattern) {
				continue
			}
			cleaned = cleaned[:len(cleaned)-len(pattern)]
			cleaned = strings.TrimSpace(cleaned)
			cleaned = strings.TrimRight(cleaned, ".,!?")
			return strings.TrimSpace(cleaned)
		}
	}
	return cleaned
}

// tailPatterns enumerates the accepted suffix forms for one keyword: a
// separator (space or sentence punctuation) followed by the keyword, with an
// optional trailing punctuation mark after the space-separated form.
func tailPatterns(kw string) []string {
	return []string{
		" " + kw,
		" " + kw + ".",
		" " + kw + "!",
		" " + kw + "?",
		"," + kw,
		"." + kw,
		"!" + kw,
		"?" + kw,
	}
}
