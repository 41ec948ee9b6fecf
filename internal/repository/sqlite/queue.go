package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/domain"
)

// Enqueue inserts an inbound message with status=pending. The transport
// message id is the primary key, so a redelivered message is a no-op.
func (s *Store) Enqueue(ctx context.Context, id, senderID, body string) (created bool, err error) {
	now := time.Now().UTC().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue (id, sender_id, body, status, created_at, updated_at, retry_count)
		VALUES (?, ?, ?, 'pending', ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		id, senderID, body, now, now)
	if err != nil {
		return false, fmt.Errorf("sqlite: Enqueue: %w", err)
	}

	// ON CONFLICT DO NOTHING reports zero rows when the item already existed.
	row := s.db.QueryRowContext(ctx, `SELECT created_at FROM queue WHERE id = ?`, id)
	var createdAt int64
	if err := row.Scan(&createdAt); err != nil {
		return false, fmt.Errorf("sqlite: Enqueue readback: %w", err)
	}
	return createdAt == now, nil
}

// Dequeue returns up to limit pending items, oldest first, without
// transitioning their status.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, body, status, created_at, updated_at, retry_count, COALESCE(last_error, '')
		FROM queue WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: Dequeue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []domain.QueueItem
	for rows.Next() {
		var it domain.QueueItem
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&it.ID, &it.SenderID, &it.Body, &status, &createdAt, &updatedAt, &it.RetryCount, &it.LastError); err != nil {
			return nil, fmt.Errorf("sqlite: Dequeue scan: %w", err)
		}
		it.Status = domain.QueueStatus(status)
		it.CreatedAt = time.Unix(0, createdAt)
		it.UpdatedAt = time.Unix(0, updatedAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: Dequeue rows: %w", err)
	}
	return items, nil
}

// MarkProcessing claims a pending item, incrementing its retry count. The
// status guard keeps the lifecycle forward-only.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET status = 'processing', retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: MarkProcessing %s: %w", id, err)
	}
	return requireClaimed(res, "MarkProcessing", id)
}

// MarkCompleted finishes a processing item.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET status = 'completed', updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: MarkCompleted %s: %w", id, err)
	}
	return requireClaimed(res, "MarkCompleted", id)
}

// MarkFailed finishes a processing item with a diagnostic reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	const maxReason = 1024
	if len(reason) > maxReason {
		reason = reason[:maxReason]
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET status = 'failed', last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		reason, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: MarkFailed %s: %w", id, err)
	}
	return requireClaimed(res, "MarkFailed", id)
}

// PurgeFinished deletes completed and failed items created before cutoff.
func (s *Store) PurgeFinished(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue WHERE status IN ('completed', 'failed') AND created_at < ?`,
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: PurgeFinished: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: PurgeFinished rows affected: %w", err)
	}
	return int(n), nil
}

func requireClaimed(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s %s: %w", op, id, errStatusConflict)
	}
	return nil
}

var errStatusConflict = errors.New("item missing or not in the required status")
