// Package eventlog defines the append-only, per-stream event journal that is
// the source of truth for every transactional entity. Streams are versioned;
// appends are optimistic-concurrency checked against the caller's expected
// version so two writers never silently overwrite each other.
package eventlog

import (
	"context"
	"strings"
	"time"

	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
)

var (
	// ErrNotFound indicates a requested stream or event is missing.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrVersionConflict indicates an append raced another writer on the same
	// stream. The loser must reload and retry, bounded by the caller's policy.
	ErrVersionConflict = apperrors.New(apperrors.CodeVersionConflict, "stream version conflict")
)

// Type identifies the kind of an event, e.g. "payment.authorized".
type Type string

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// Domain returns the domain prefix of the event type (e.g., "payment").
func (t Type) Domain() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event is an immutable fact appended to exactly one stream.
type Event struct {
	// StreamID is the owning entity's stream. Always set first.
	StreamID string
	// Version is the event's position within the stream (starts at 1).
	// Assigned by storage on append.
	Version uint64
	// ID uniquely identifies the event across all streams.
	ID string
	// Type identifies the kind of event.
	Type Type
	// CorrelationID links the event back to the originating saga.
	CorrelationID string
	// CausationID is the id of the command or event that caused this one.
	CausationID string
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}

// Store is the append-with-version-check plus read-by-stream boundary.
//
// Append commits the events and the outgoing integration messages in one
// transaction: the messages land in the outbox so dispatch is guaranteed
// at least once alongside the state change.
type Store interface {
	// Append appends events after expectedVersion. It returns the stored
	// events with versions assigned, or ErrVersionConflict when
	// expectedVersion is stale.
	Append(ctx context.Context, streamID string, expectedVersion uint64, events []Event, messages []messaging.Message) ([]Event, error)
	// Load returns events with version greater than afterVersion, ordered by
	// version ascending, up to limit.
	Load(ctx context.Context, streamID string, afterVersion uint64, limit int) ([]Event, error)
	// LatestVersion returns the stream's current version, 0 when the stream
	// does not exist.
	LatestVersion(ctx context.Context, streamID string) (uint64, error)
}
