package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
)

// Append appends events after expectedVersion and enqueues the outgoing
// messages in the same transaction. A stale expectedVersion, observed either
// on the head read or as a primary-key conflict against a concurrent writer,
// returns eventlog.ErrVersionConflict.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion uint64, events []eventlog.Event, messages []messaging.Message) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&current); err != nil {
		return nil, fmt.Errorf("read stream head %s: %w", streamID, err)
	}
	if current != expectedVersion {
		return nil, fmt.Errorf("stream %s at version %d, expected %d: %w", streamID, current, expectedVersion, eventlog.ErrVersionConflict)
	}

	stored := make([]eventlog.Event, 0, len(events))
	for i, evt := range events {
		evt.StreamID = streamID
		evt.Version = expectedVersion + uint64(i) + 1
		if !evt.Type.IsValid() {
			return nil, fmt.Errorf("event %d has no type", i)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (stream_id, version, event_id, event_type, correlation_id, causation_id, occurred_at, payload_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.StreamID,
			evt.Version,
			evt.ID,
			string(evt.Type),
			evt.CorrelationID,
			evt.CausationID,
			toMillis(evt.Timestamp),
			evt.PayloadJSON,
		); err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("stream %s version %d taken: %w", streamID, evt.Version, eventlog.ErrVersionConflict)
			}
			return nil, fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
		stored = append(stored, evt)
	}

	now := time.Now().UTC()
	for _, msg := range messages {
		if err := enqueueTx(ctx, tx, msg, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return stored, nil
}

// Load returns events with version greater than afterVersion in version order.
func (s *Store) Load(ctx context.Context, streamID string, afterVersion uint64, limit int) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT stream_id, version, event_id, event_type, correlation_id, causation_id, occurred_at, payload_json
		 FROM events
		 WHERE stream_id = ? AND version > ?
		 ORDER BY version ASC
		 LIMIT ?`,
		streamID, afterVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load stream %s: %w", streamID, err)
	}
	defer rows.Close()

	var events []eventlog.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream %s: %w", streamID, err)
	}
	return events, nil
}

// LatestVersion returns the stream head, 0 when the stream does not exist.
func (s *Store) LatestVersion(ctx context.Context, streamID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	var version uint64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read stream head %s: %w", streamID, err)
	}
	return version, nil
}

func scanEvent(rows *sql.Rows) (eventlog.Event, error) {
	var evt eventlog.Event
	var eventType string
	var occurredAt int64
	if err := rows.Scan(
		&evt.StreamID,
		&evt.Version,
		&evt.ID,
		&eventType,
		&evt.CorrelationID,
		&evt.CausationID,
		&occurredAt,
		&evt.PayloadJSON,
	); err != nil {
		return eventlog.Event{}, fmt.Errorf("scan event: %w", err)
	}
	evt.Type = eventlog.Type(eventType)
	evt.Timestamp = fromMillis(occurredAt)
	return evt, nil
}
