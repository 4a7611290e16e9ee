package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/outbox"
)

// Enqueue inserts messages as pending outbox rows outside any state change.
// State-changing paths (event append, saga save) enqueue inside their own
// transactions instead.
func (s *Store) Enqueue(ctx context.Context, messages []messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, msg := range messages {
		if err := enqueueTx(ctx, tx, msg, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

func enqueueTx(ctx context.Context, tx *sql.Tx, msg messaging.Message, now time.Time) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("enqueue %q: %w", msg.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (message_id, name, entity_id, correlation_id, occurred_at, payload_json, status, attempt_count, next_attempt_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.ID,
		msg.Name,
		msg.EntityID,
		msg.CorrelationID,
		toMillis(msg.OccurredAt),
		msg.PayloadJSON,
		outbox.StatusPending,
		toMillis(now),
		toMillis(now),
	); err != nil {
		return fmt.Errorf("insert outbox row %s: %w", msg.ID, err)
	}
	return nil
}

// ClaimDue transitions up to limit due rows to processing and returns them.
// Rows stuck in processing past the lease are reclaimed.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	leaseCutoff := now.Add(-outbox.ProcessingLease)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, name, entity_id, correlation_id, occurred_at, payload_json, status, attempt_count, next_attempt_at, last_error, updated_at
		 FROM outbox
		 WHERE ((status = ? OR status = ?) AND next_attempt_at <= ?)
		    OR (status = ? AND updated_at <= ?)
		 ORDER BY created_at ASC
		 LIMIT ?`,
		outbox.StatusPending,
		outbox.StatusFailed,
		toMillis(now),
		outbox.StatusProcessing,
		toMillis(leaseCutoff),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due outbox rows: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = ?, updated_at = ? WHERE message_id = ?`,
			outbox.StatusProcessing,
			toMillis(now),
			entry.Message.ID,
		); err != nil {
			return nil, fmt.Errorf("claim outbox row %s: %w", entry.Message.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return entries, nil
}

// Complete removes a dispatched row.
func (s *Store) Complete(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM outbox WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("complete outbox row %s: %w", messageID, err)
	}
	return nil
}

// MarkRetry requeues a claimed row for a later attempt, dead-lettering it at
// the threshold.
func (s *Store) MarkRetry(ctx context.Context, messageID string, attempt int, nextAttemptAt time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	status := outbox.StatusFailed
	if attempt >= outbox.DeadLetterThreshold {
		status = outbox.StatusDead
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE message_id = ?`,
		status,
		attempt,
		toMillis(nextAttemptAt),
		lastError,
		toMillis(time.Now().UTC()),
		messageID,
	); err != nil {
		return fmt.Errorf("mark outbox retry %s: %w", messageID, err)
	}
	return nil
}

// RequeueDead transitions up to limit dead rows back to pending.
func (s *Store) RequeueDead(ctx context.Context, limit int, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempt_count = 0, next_attempt_at = ?, last_error = '', updated_at = ?
		 WHERE message_id IN (
		   SELECT message_id FROM outbox WHERE status = ? ORDER BY created_at ASC LIMIT ?
		 )`,
		outbox.StatusPending,
		toMillis(now),
		toMillis(now),
		outbox.StatusDead,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count requeued rows: %w", err)
	}
	return int(affected), nil
}

func scanEntries(rows *sql.Rows) ([]outbox.Entry, error) {
	defer rows.Close()
	var entries []outbox.Entry
	for rows.Next() {
		var entry outbox.Entry
		var occurredAt, nextAttemptAt, updatedAt int64
		if err := rows.Scan(
			&entry.Message.ID,
			&entry.Message.Name,
			&entry.Message.EntityID,
			&entry.Message.CorrelationID,
			&occurredAt,
			&entry.Message.PayloadJSON,
			&entry.Status,
			&entry.AttemptCount,
			&nextAttemptAt,
			&entry.LastError,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entry.Message.OccurredAt = fromMillis(occurredAt)
		entry.NextAttemptAt = fromMillis(nextAttemptAt)
		entry.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}
