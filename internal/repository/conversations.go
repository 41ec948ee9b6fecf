package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
)

const (
	skMeta       = "META#"
	skPrefixTurn = "TURN#"
	skActive     = "ACTIVE"

	// createRetries bounds the optimistic retry loop for the active-pointer
	// swap when two resets race for the same sender.
	createRetries = 3
)

var errPointerConflict = errors.New("repository: active pointer changed concurrently")

// convPK returns the partition key for a conversation's meta and turn items.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// senderPK returns the partition key for a sender's active pointer item.
func senderPK(senderID string) string {
	return "SENDER#" + senderID
}

// turnSK orders turns by append time within a conversation partition. The
// role suffix keeps a user turn and its reply distinct even on a timestamp
// collision.
func turnSK(ts time.Time, role string) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano) + "#" + role
}

var newConversationID = func() string {
	return uuid.NewString()
}

// ActiveConversation returns the sender's active conversation with its most
// recent turnLimit turns in chronological order, or nil when the sender has
// no active conversation.
func (c *Client) ActiveConversation(ctx context.Context, senderID string, turnLimit int) (*domain.Conversation, error) {
	convID, err := c.activePointer(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if convID == "" {
		return nil, nil
	}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.conversationsTable),
		Key: map[string]types.AttributeValue{
			"PK": strVal(convPK(convID)),
			"SK": strVal(skMeta),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ActiveConversation get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	conv, err := itemToConversation(convID, out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: ActiveConversation decode meta: %w", err)
	}
	if !conv.IsActive {
		return nil, nil
	}

	turns, err := c.recentTurns(ctx, convID, turnLimit)
	if err != nil {
		return nil, err
	}
	conv.Turns = turns
	return &conv, nil
}

// CreateConversation starts a new active conversation for the sender,
// deactivating the previous one in the same transaction so a reader never
// observes two active conversations. Races on the pointer are resolved by
// optimistic retry.
func (c *Client) CreateConversation(ctx context.Context, senderID, title string) (domain.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt < createRetries; attempt++ {
		conv, err := c.tryCreateConversation(ctx, senderID, title)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, errPointerConflict) {
			return domain.Conversation{}, err
		}
		lastErr = err
	}
	return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", lastErr)
}

func (c *Client) tryCreateConversation(ctx context.Context, senderID, title string) (domain.Conversation, error) {
	prevID, err := c.activePointer(ctx, senderID)
	if err != nil {
		return domain.Conversation{}, err
	}

	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:         newConversationID(),
		SenderID:   senderID,
		Title:      title,
		CreatedAt:  now,
		UpdatedAt:  now,
		IsActive:   true,
		TokenCount: 0,
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName: aws.String(c.conversationsTable),
				Item: map[string]types.AttributeValue{
					"PK":             strVal(senderPK(senderID)),
					"SK":             strVal(skActive),
					"conversationId": strVal(conv.ID),
				},
				ConditionExpression:       aws.String("attribute_not_exists(PK) OR conversationId = :prev"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":prev": strVal(prevID)},
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(c.conversationsTable),
				Item: map[string]types.AttributeValue{
					"PK":         strVal(convPK(conv.ID)),
					"SK":         strVal(skMeta),
					"senderId":   strVal(senderID),
					"title":      strVal(title),
					"createdAt":  timeVal(now),
					"updatedAt":  timeVal(now),
					"isActive":   boolVal(true),
					"tokenCount": numVal(0),
				},
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	}
	if prevID != "" {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(c.conversationsTable),
				Key: map[string]types.AttributeValue{
					"PK": strVal(convPK(prevID)),
					"SK": strVal(skMeta),
				},
				UpdateExpression: aws.String("SET isActive = :inactive, updatedAt = :now"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":inactive": boolVal(false),
					":now":      timeVal(now),
				},
			},
		})
	}

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if isConditionalCheckFailed(err) {
			return domain.Conversation{}, errPointerConflict
		}
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation transact: %w", err)
	}
	return conv, nil
}

// AppendTurn writes one turn and touches the conversation's updatedAt in a
// single transaction.
func (c *Client) AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	item := map[string]types.AttributeValue{
		"PK":        strVal(convPK(conversationID)),
		"SK":        strVal(turnSK(ts, turn.Role)),
		"content":   strVal(turn.Content),
		"role":      strVal(turn.Role),
		"timestamp": timeVal(ts),
		"tokens":    numVal(turn.Tokens),
	}
	if turn.Tier != "" {
		item["tier"] = strVal(string(turn.Tier))
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.conversationsTable),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.conversationsTable),
					Key: map[string]types.AttributeValue{
						"PK": strVal(convPK(conversationID)),
						"SK": strVal(skMeta),
					},
					ConditionExpression: aws.String("attribute_exists(PK)"),
					UpdateExpression:    aws.String("SET updatedAt = :now"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": timeVal(time.Now()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// AddTokens atomically increments the conversation's running token total.
func (c *Client) AddTokens(ctx context.Context, conversationID string, tokens int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.conversationsTable),
		Key: map[string]types.AttributeValue{
			"PK": strVal(convPK(conversationID)),
			"SK": strVal(skMeta),
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET updatedAt = :now ADD tokenCount :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n":   numVal(tokens),
			":now": timeVal(time.Now()),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AddTokens: %w", err)
	}
	return nil
}

func (c *Client) activePointer(ctx context.Context, senderID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.conversationsTable),
		Key: map[string]types.AttributeValue{
			"PK": strVal(senderPK(senderID)),
			"SK": strVal(skActive),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: get active pointer: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	return optStrAttr(out.Item, "conversationId"), nil
}

// recentTurns queries newest-first so the limit favors the most recent
// context, then reverses to chronological order.
func (c *Client) recentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.conversationsTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(conversationID)),
			":prefix": strVal(skPrefixTurn),
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: recent turns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: recent turns decode: %w", err)
		}
		turns = append(turns, turn)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func itemToConversation(conversationID string, item map[string]types.AttributeValue) (domain.Conversation, error) {
	senderID, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Conversation{}, err
	}
	isActive, err := boolAttr(item, "isActive")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:         conversationID,
		SenderID:   senderID,
		Title:      optStrAttr(item, "title"),
		CreatedAt:  timeAttr(item, "createdAt"),
		UpdatedAt:  timeAttr(item, "updatedAt"),
		IsActive:   isActive,
		TokenCount: optIntAttr(item, "tokenCount"),
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	return domain.Turn{
		Content:   content,
		Role:      role,
		Timestamp: timeAttr(item, "timestamp"),
		Tier:      domain.Tier(optStrAttr(item, "tier")),
		Tokens:    optIntAttr(item, "tokens"),
	}, nil
}
