package keyword

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

func TestProcess_StripsTrailingKeyword(t *testing.T) {
	out := Process("Tell me about dogs over", domain.TierBase)
	require.Equal(t, domain.TierBase, out.Tier)
	require.Equal(t, "Tell me about dogs", out.Cleaned)
	require.True(t, out.Modified)
	require.False(t, out.TriggeredElevated)
}

func TestProcess_StripsKeywordAfterPunctuation(t *testing.T) {
	out := Process("What time is it? over", domain.TierBase)
	require.Equal(t, "What time is it", out.Cleaned)
	require.True(t, out.Modified)

	out = Process("Summarize the plan, done", domain.TierBase)
	require.Equal(t, "Summarize the plan", out.Cleaned)
	require.True(t, out.Modified)

	out = Process("Read it back.send", domain.TierBase)
	require.Equal(t, "Read it back", out.Cleaned)
	require.True(t, out.Modified)
}

func TestProcess_StripsOnlyOneTrailingKeyword(t *testing.T) {
	out := Process("Wrap it up over done", domain.TierBase)
	require.Equal(t, "Wrap it up over", out.Cleaned)
}

func TestProcess_LeavesEmbeddedWordsAlone(t *testing.T) {
	out := Process("Tell me about Dover", domain.TierBase)
	require.Equal(t, "Tell me about Dover", out.Cleaned)
	require.False(t, out.Modified)

	out = Process("The game is over for them", domain.TierBase)
	require.Equal(t, "The game is over for them", out.Cleaned)
	require.False(t, out.Modified)
}

func TestProcess_TriggerSelectsElevatedTier(t *testing.T) {
	out := Process("Think carefully about this, over", domain.TierBase)
	require.Equal(t, domain.TierElevated, out.Tier)
	require.Equal(t, "Think carefully about this", out.Cleaned)
	require.True(t, out.Modified)
	require.True(t, out.TriggeredElevated)
}

func TestProcess_TriggerDetectedAfterStrip(t *testing.T) {
	// The trailing keyword must not mask a trigger phrase at the end.
	out := Process("Please analyze over", domain.TierBase)
	require.Equal(t, domain.TierElevated, out.Tier)
	require.Equal(t, "Please analyze", out.Cleaned)
	require.True(t, out.TriggeredElevated)
}

func TestProcess_TriggerIsCaseInsensitive(t *testing.T) {
	out := Process("Give me a COMPREHENSIVE answer", domain.TierBase)
	require.Equal(t, domain.TierElevated, out.Tier)
	require.True(t, out.TriggeredElevated)
	require.True(t, out.Modified)
}

func TestProcess_StickyTierPreserved(t *testing.T) {
	out := Process("What's the weather?", domain.TierElevated)
	require.Equal(t, domain.TierElevated, out.Tier)
	require.Equal(t, "What's the weather?", out.Cleaned)
	require.False(t, out.Modified)
	require.False(t, out.TriggeredElevated)
}

func TestProcess_NeverDowngrades(t *testing.T) {
	out := Process("Just a quick question", domain.TierElevated)
	require.Equal(t, domain.TierElevated, out.Tier)
	require.False(t, out.TriggeredElevated)
}

func TestProcess_EmptyTierDefaultsToBase(t *testing.T) {
	out := Process("Hello there", "")
	require.Equal(t, domain.TierBase, out.Tier)
}

func TestProcess_TotalOverDegenerateInput(t *testing.T) {
	out := Process("", domain.TierBase)
	require.Equal(t, "", out.Cleaned)
	require.False(t, out.Modified)

	out = Process("   ", domain.TierBase)
	require.Equal(t, "", out.Cleaned)
	require.True(t, out.Modified)

	out = Process("over", domain.TierBase)
	require.Equal(t, "over", out.Cleaned)
}
