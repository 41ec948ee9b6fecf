package domain

import "time"

// QueueStatus is the lifecycle state of a QueueItem. Status only moves
// forward: pending → processing → completed or failed. A failed item is not
// retried by the processor; re-enqueueing it is an operational decision.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// QueueItem is one inbound message awaiting processing. ID is the
// transport-assigned message identifier and is the store key, which makes
// enqueue idempotent under transport-level redelivery.
type QueueItem struct {
	ID         string
	SenderID   string
	Body       string
	Status     QueueStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	RetryCount int
	// LastError is set only when Status is failed.
	LastError string
}
