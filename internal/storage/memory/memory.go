// Package memory provides an in-process store implementing the event log and
// outbox interfaces, for tests and the demo entrypoint. It mirrors the SQLite
// store's semantics: version-checked appends and outbox rows enqueued
// atomically with the state change.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/outbox"
)

// Store keeps streams and outbox rows in memory.
type Store struct {
	mu      sync.Mutex
	streams map[string][]eventlog.Event
	rows    map[string]*row
	seq     int
}

type row struct {
	entry outbox.Entry
	order int
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		streams: make(map[string][]eventlog.Event),
		rows:    make(map[string]*row),
	}
}

// Append implements eventlog.Store.
func (s *Store) Append(_ context.Context, streamID string, expectedVersion uint64, events []eventlog.Event, messages []messaging.Message) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := uint64(len(s.streams[streamID]))
	if current != expectedVersion {
		return nil, fmt.Errorf("stream %s at version %d, expected %d: %w", streamID, current, expectedVersion, eventlog.ErrVersionConflict)
	}
	stored := make([]eventlog.Event, 0, len(events))
	for i, evt := range events {
		evt.StreamID = streamID
		evt.Version = expectedVersion + uint64(i) + 1
		stored = append(stored, evt)
	}
	s.streams[streamID] = append(s.streams[streamID], stored...)
	for _, msg := range messages {
		s.enqueueLocked(msg)
	}
	return stored, nil
}

// Load implements eventlog.Store.
func (s *Store) Load(_ context.Context, streamID string, afterVersion uint64, limit int) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []eventlog.Event
	for _, evt := range s.streams[streamID] {
		if evt.Version <= afterVersion {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestVersion implements eventlog.Store.
func (s *Store) LatestVersion(_ context.Context, streamID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.streams[streamID])), nil
}

// Enqueue inserts messages as pending outbox rows.
func (s *Store) Enqueue(_ context.Context, messages []messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("enqueue %q: %w", msg.Name, err)
		}
		s.enqueueLocked(msg)
	}
	return nil
}

func (s *Store) enqueueLocked(msg messaging.Message) {
	if _, exists := s.rows[msg.ID]; exists {
		return
	}
	s.seq++
	s.rows[msg.ID] = &row{
		entry: outbox.Entry{Message: msg, Status: outbox.StatusPending},
		order: s.seq,
	}
}

// ClaimDue implements outbox.Store.
func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var due []*row
	for _, r := range s.rows {
		switch r.entry.Status {
		case outbox.StatusPending, outbox.StatusFailed:
			if !r.entry.NextAttemptAt.After(now) {
				due = append(due, r)
			}
		case outbox.StatusProcessing:
			if !r.entry.UpdatedAt.After(now.Add(-outbox.ProcessingLease)) {
				due = append(due, r)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].order < due[j].order })
	if len(due) > limit {
		due = due[:limit]
	}
	entries := make([]outbox.Entry, 0, len(due))
	for _, r := range due {
		r.entry.Status = outbox.StatusProcessing
		r.entry.UpdatedAt = now
		entries = append(entries, r.entry)
	}
	return entries, nil
}

// Complete implements outbox.Store.
func (s *Store) Complete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, messageID)
	return nil
}

// MarkRetry implements outbox.Store.
func (s *Store) MarkRetry(_ context.Context, messageID string, attempt int, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[messageID]
	if !ok {
		return nil
	}
	r.entry.AttemptCount = attempt
	r.entry.NextAttemptAt = nextAttemptAt
	r.entry.LastError = lastError
	r.entry.UpdatedAt = time.Now().UTC()
	if attempt >= outbox.DeadLetterThreshold {
		r.entry.Status = outbox.StatusDead
		return nil
	}
	r.entry.Status = outbox.StatusFailed
	return nil
}

// RequeueDead implements outbox.Store.
func (s *Store) RequeueDead(_ context.Context, limit int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	requeued := 0
	for _, r := range s.rows {
		if r.entry.Status != outbox.StatusDead {
			continue
		}
		r.entry.Status = outbox.StatusPending
		r.entry.AttemptCount = 0
		r.entry.NextAttemptAt = now
		r.entry.LastError = ""
		r.entry.UpdatedAt = now
		requeued++
		if requeued == limit {
			break
		}
	}
	return requeued, nil
}
