package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

// statusIndex is the GSI projecting queue items by status, ordered by
// createdAt, which gives Dequeue its oldest-first pending scan.
const statusIndex = "status-createdAt-index"

// Enqueue records an inbound message with status=pending. The transport
// message id is the table key, so a redelivered message is a no-op; created
// reports whether this call inserted the item.
func (c *Client) Enqueue(ctx context.Context, id, senderID, body string) (created bool, err error) {
	now := time.Now().UTC()
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.queueTable),
		Item: map[string]types.AttributeValue{
			"id":         strVal(id),
			"senderId":   strVal(senderID),
			"body":       strVal(body),
			"status":     strVal(string(domain.StatusPending)),
			"createdAt":  timeVal(now),
			"updatedAt":  timeVal(now),
			"retryCount": numVal(0),
		},
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: Enqueue: %w", err)
	}
	return true, nil
}

// Dequeue returns up to limit pending items, oldest first. It does not
// transition status; MarkProcessing claims an item.
func (c *Client) Dequeue(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.queueTable),
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": strVal(string(domain.StatusPending)),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: Dequeue query: %w", err)
	}

	items := make([]domain.QueueItem, 0, len(out.Items))
	for _, raw := range out.Items {
		item, err := itemToQueueItem(raw)
		if err != nil {
			return nil, fmt.Errorf("repository: Dequeue decode: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// MarkProcessing claims a pending item, incrementing its retry count. The
// status condition keeps the lifecycle forward-only: a completed or failed
// item cannot re-enter processing.
func (c *Client) MarkProcessing(ctx context.Context, id string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.queueTable),
		Key:                      map[string]types.AttributeValue{"id": strVal(id)},
		ConditionExpression:      aws.String("#status = :pending"),
		UpdateExpression:         aws.String("SET #status = :processing, updatedAt = :now ADD retryCount :one"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":    strVal(string(domain.StatusPending)),
			":processing": strVal(string(domain.StatusProcessing)),
			":now":        timeVal(time.Now()),
			":one":        numVal(1),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: MarkProcessing %s: %w", id, err)
	}
	return nil
}

// MarkCompleted finishes a processing item.
func (c *Client) MarkCompleted(ctx context.Context, id string) error {
	if err := c.finishItem(ctx, id, domain.StatusCompleted, ""); err != nil {
		return fmt.Errorf("repository: MarkCompleted %s: %w", id, err)
	}
	return nil
}

// MarkFailed finishes a processing item with a diagnostic reason.
func (c *Client) MarkFailed(ctx context.Context, id, reason string) error {
	if err := c.finishItem(ctx, id, domain.StatusFailed, reason); err != nil {
		return fmt.Errorf("repository: MarkFailed %s: %w", id, err)
	}
	return nil
}

func (c *Client) finishItem(ctx context.Context, id string, status domain.QueueStatus, reason string) error {
	update := "SET #status = :status, updatedAt = :now"
	values := map[string]types.AttributeValue{
		":status":     strVal(string(status)),
		":processing": strVal(string(domain.StatusProcessing)),
		":now":        timeVal(time.Now()),
	}
	if reason != "" {
		update += ", lastError = :reason"
		values[":reason"] = strVal(truncateReason(reason))
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.queueTable),
		Key:                       map[string]types.AttributeValue{"id": strVal(id)},
		ConditionExpression:       aws.String("#status = :processing"),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	return err
}

// PurgeFinished deletes completed and failed items older than cutoff and
// returns how many were removed. Pending and processing items are never
// touched.
func (c *Client) PurgeFinished(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	for _, status := range []domain.QueueStatus{domain.StatusCompleted, domain.StatusFailed} {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(c.queueTable),
			IndexName:                aws.String(statusIndex),
			KeyConditionExpression:   aws.String("#status = :status AND createdAt < :cutoff"),
			ExpressionAttributeNames: map[string]string{"#status": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": strVal(string(status)),
				":cutoff": timeVal(cutoff),
			},
		})
		if err != nil {
			return deleted, fmt.Errorf("repository: PurgeFinished query %s: %w", status, err)
		}
		for _, raw := range out.Items {
			id, err := strAttr(raw, "id")
			if err != nil {
				return deleted, fmt.Errorf("repository: PurgeFinished decode: %w", err)
			}
			if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(c.queueTable),
				Key:       map[string]types.AttributeValue{"id": strVal(id)},
			}); err != nil {
				return deleted, fmt.Errorf("repository: PurgeFinished delete %s: %w", id, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// truncateReason caps stored diagnostics; backend error bodies can be large.
func truncateReason(reason string) string {
	const maxReason = 1024
	if len(reason) <= maxReason {
		return reason
	}
	return reason[:maxReason]
}

func itemToQueueItem(item map[string]types.AttributeValue) (domain.QueueItem, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.QueueItem{}, err
	}
	senderID, err := strAttr(item, "senderId")
	if err != nil {
		return domain.QueueItem{}, err
	}
	body, err := strAttr(item, "body")
	if err != nil {
		return domain.QueueItem{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.QueueItem{}, err
	}
	return domain.QueueItem{
		ID:         id,
		SenderID:   senderID,
		Body:       body,
		Status:     domain.QueueStatus(status),
		CreatedAt:  timeAttr(item, "createdAt"),
		UpdatedAt:  timeAttr(item, "updatedAt"),
		RetryCount: optIntAttr(item, "retryCount"),
		LastError:  optStrAttr(item, "lastError"),
	}, nil
}
