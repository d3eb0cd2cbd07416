package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

func appendOutbox(ctx context.Context, tx *sqlx.Tx, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// AppendOutbox queues a message for NATS delivery. A msgID that is already
// queued is ignored.
func (s *Store) AppendOutbox(ctx context.Context, subject, eventType string, payload []byte, msgID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendOutbox(ctx, tx, subject, eventType, payload, msgID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND dead_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?,
		    last_error = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// MarkOutboxDead parks a message that exhausted its retries
func (s *Store) MarkOutboxDead(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET dead_at = ?, last_error = ? WHERE id = ?
	`, time.Now().Unix(), lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead: %w", err)
	}
	return nil
}

// OutboxStats counts outbox rows by delivery state
type OutboxStats struct {
	Pending   int `db:"pending" json:"pending"`
	Published int `db:"published" json:"published"`
	Dead      int `db:"dead" json:"dead"`
}

// OutboxStats returns delivery counters
func (s *Store) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	err := s.db.GetContext(ctx, &st, `
		SELECT
			COALESCE(SUM(CASE WHEN published_at IS NULL AND dead_at IS NULL THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN published_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS published,
			COALESCE(SUM(CASE WHEN dead_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS dead
		FROM outbox
	`)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("failed to read outbox stats: %w", err)
	}
	return st, nil
}
