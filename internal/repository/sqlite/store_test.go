package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueue_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Enqueue(ctx, "SM1", "whatsapp:+1", "hello")
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.Enqueue(ctx, "SM1", "whatsapp:+1", "hello again")
	require.NoError(t, err)
	require.False(t, created)

	items, err := s.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "hello", items[0].Body)
}

func TestEnqueue_DuplicateDoesNotResetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "SM1", "whatsapp:+1", "hello")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, "SM1"))
	require.NoError(t, s.MarkCompleted(ctx, "SM1"))

	created, err := s.Enqueue(ctx, "SM1", "whatsapp:+1", "hello")
	require.NoError(t, err)
	require.False(t, created)

	items, err := s.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestDequeue_OldestFirstBoundedByLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"SM1", "SM2", "SM3"} {
		_, err := s.Enqueue(ctx, id, "whatsapp:+1", "body "+id)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	items, err := s.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "SM1", items[0].ID)
	require.Equal(t, "SM2", items[1].ID)
}

func TestStatusLifecycle_ForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "SM1", "whatsapp:+1", "hello")
	require.NoError(t, err)

	// completed before processing is rejected
	require.Error(t, s.MarkCompleted(ctx, "SM1"))

	require.NoError(t, s.MarkProcessing(ctx, "SM1"))

	items, err := s.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, items, "processing item must not be dequeued")

	// a second claim is rejected
	require.Error(t, s.MarkProcessing(ctx, "SM1"))

	require.NoError(t, s.MarkFailed(ctx, "SM1", "backend timeout"))
	require.Error(t, s.MarkProcessing(ctx, "SM1"), "failed item is not auto-retried")
}

func TestMarkProcessing_IncrementsRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "SM1", "whatsapp:+1", "hello")
	require.NoError(t, err)

	items, err := s.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 0, items[0].RetryCount)

	require.NoError(t, s.MarkProcessing(ctx, "SM1"))

	var count int
	row := s.db.QueryRow(`SELECT retry_count FROM queue WHERE id = 'SM1'`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestPurgeFinished_RemovesOnlyOldFinishedItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "SM-old", "whatsapp:+1", "old")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessing(ctx, "SM-old"))
	require.NoError(t, s.MarkCompleted(ctx, "SM-old"))

	_, err = s.Enqueue(ctx, "SM-pending", "whatsapp:+1", "still waiting")
	require.NoError(t, err)

	n, err := s.PurgeFinished(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	items, err := s.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "SM-pending", items[0].ID)
}

func TestCreateConversation_SingleActivePerSender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateConversation(ctx, "whatsapp:+1", "WhatsApp Conversation")
	require.NoError(t, err)

	second, err := s.CreateConversation(ctx, "whatsapp:+1", "WhatsApp Conversation")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	active, err := s.ActiveConversation(ctx, "whatsapp:+1", 10)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, second.ID, active.ID)

	var activeCount int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE sender_id = 'whatsapp:+1' AND is_active = 1`)
	require.NoError(t, row.Scan(&activeCount))
	require.Equal(t, 1, activeCount)
}

func TestActiveConversation_NoneReturnsNil(t *testing.T) {
	s := newTestStore(t)
	conv, err := s.ActiveConversation(context.Background(), "whatsapp:+none", 10)
	require.NoError(t, err)
	require.Nil(t, conv)
}

func TestAppendTurn_OrderAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "whatsapp:+1", "WhatsApp Conversation")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		require.NoError(t, s.AppendTurn(ctx, conv.ID, domain.Turn{
			Content: content(i),
			Role:    role,
		}))
	}

	active, err := s.ActiveConversation(ctx, "whatsapp:+1", 10)
	require.NoError(t, err)
	require.Len(t, active.Turns, 10)
	// The two oldest turns fall outside the window.
	require.Equal(t, content(2), active.Turns[0].Content)
	require.Equal(t, content(11), active.Turns[9].Content)
}

func content(i int) string {
	return "turn-" + string(rune('a'+i))
}

func TestAppendTurn_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendTurn(context.Background(), "missing", domain.Turn{Content: "x", Role: domain.RoleUser})
	require.Error(t, err)
}

func TestAddTokens_Accumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "whatsapp:+1", "WhatsApp Conversation")
	require.NoError(t, err)

	require.NoError(t, s.AddTokens(ctx, conv.ID, 120))
	require.NoError(t, s.AddTokens(ctx, conv.ID, 35))

	active, err := s.ActiveConversation(ctx, "whatsapp:+1", 10)
	require.NoError(t, err)
	require.Equal(t, 155, active.TokenCount)
}

func TestAssistantTurnKeepsTierAndTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "whatsapp:+1", "WhatsApp Conversation")
	require.NoError(t, err)

	require.NoError(t, s.AppendTurn(ctx, conv.ID, domain.Turn{
		Content: "a detailed answer",
		Role:    domain.RoleAssistant,
		Tier:    domain.TierElevated,
		Tokens:  321,
	}))

	active, err := s.ActiveConversation(ctx, "whatsapp:+1", 10)
	require.NoError(t, err)
	require.Len(t, active.Turns, 1)
	require.Equal(t, domain.TierElevated, active.Turns[0].Tier)
	require.Equal(t, 321, active.Turns[0].Tokens)
}
