package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/services/order/saga"
)

// GetSaga returns the saga for the correlation id, or saga.ErrNotFound.
func (s *Store) GetSaga(ctx context.Context, sagaID string) (saga.State, error) {
	if err := ctx.Err(); err != nil {
		return saga.State{}, err
	}
	if s == nil || s.sqlDB == nil {
		return saga.State{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT state_json, version, updated_at FROM sagas WHERE saga_id = ?`, sagaID)
	var stateJSON []byte
	var version uint64
	var updatedAt int64
	if err := row.Scan(&stateJSON, &version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.State{}, fmt.Errorf("saga %s: %w", sagaID, saga.ErrNotFound)
		}
		return saga.State{}, fmt.Errorf("get saga %s: %w", sagaID, err)
	}

	var state saga.State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return saga.State{}, fmt.Errorf("decode saga %s: %w", sagaID, err)
	}
	state.Version = version
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}

// SaveSaga writes saga state conditioned on expectedVersion (0 creates),
// records the handled event id, and enqueues the follow-up commands in the
// same transaction.
func (s *Store) SaveSaga(ctx context.Context, state saga.State, expectedVersion uint64, handledEventID string, commands []messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	state.Version = expectedVersion + 1
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", state.ID, err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin saga tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if expectedVersion == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sagas (saga_id, status, state_json, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
			state.ID,
			string(state.Status),
			stateJSON,
			state.Version,
			toMillis(state.UpdatedAt),
		); err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("saga %s already exists: %w", state.ID, saga.ErrVersionConflict)
			}
			return fmt.Errorf("insert saga %s: %w", state.ID, err)
		}
	} else {
		result, err := tx.ExecContext(ctx,
			`UPDATE sagas SET status = ?, state_json = ?, version = ?, updated_at = ?
			 WHERE saga_id = ? AND version = ?`,
			string(state.Status),
			stateJSON,
			state.Version,
			toMillis(state.UpdatedAt),
			state.ID,
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update saga %s: %w", state.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("count saga update %s: %w", state.ID, err)
		}
		if affected == 0 {
			return fmt.Errorf("saga %s stale at version %d: %w", state.ID, expectedVersion, saga.ErrVersionConflict)
		}
	}

	if handledEventID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO saga_handled_events (saga_id, event_id, handled_at) VALUES (?, ?, ?)
			 ON CONFLICT (saga_id, event_id) DO NOTHING`,
			state.ID,
			handledEventID,
			toMillis(now),
		); err != nil {
			return fmt.Errorf("record handled event %s: %w", handledEventID, err)
		}
	}

	for _, cmd := range commands {
		if err := enqueueTx(ctx, tx, cmd, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit saga %s: %w", state.ID, err)
	}
	return nil
}

// SagaHandled reports whether the event id was already applied to the saga.
func (s *Store) SagaHandled(ctx context.Context, sagaID, eventID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	var found int
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM saga_handled_events WHERE saga_id = ? AND event_id = ?`, sagaID, eventID)
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check handled event %s: %w", eventID, err)
	}
	return true, nil
}

// SagaStore adapts the store to the saga.Store interface.
type SagaStore struct {
	store *Store
}

// Sagas returns the saga.Store view of the store.
func (s *Store) Sagas() *SagaStore {
	return &SagaStore{store: s}
}

// Get implements saga.Store.
func (a *SagaStore) Get(ctx context.Context, sagaID string) (saga.State, error) {
	return a.store.GetSaga(ctx, sagaID)
}

// Save implements saga.Store.
func (a *SagaStore) Save(ctx context.Context, state saga.State, expectedVersion uint64, handledEventID string, commands []messaging.Message) error {
	return a.store.SaveSaga(ctx, state, expectedVersion, handledEventID, commands)
}

// Handled implements saga.Store.
func (a *SagaStore) Handled(ctx context.Context, sagaID, eventID string) (bool, error) {
	return a.store.SagaHandled(ctx, sagaID, eventID)
}
