// Package outbox guarantees at-least-once dispatch of integration messages
// committed alongside state changes. Rows are claimed with a processing
// lease, retried on exponential backoff, and dead-lettered after a bounded
// attempt count.
package outbox

import (
	"context"
	"time"

	"github.com/meridianpay/meridian/internal/messaging"
)

// Row statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

const (
	// DeadLetterThreshold is the attempt count at which a row stops retrying.
	DeadLetterThreshold = 8
	// ProcessingLease bounds how long a claimed row stays invisible before
	// another dispatcher may reclaim it.
	ProcessingLease = 2 * time.Minute
)

// Entry is one outbox row awaiting dispatch.
type Entry struct {
	Message       messaging.Message
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	UpdatedAt     time.Time
}

// Store persists outbox rows. Enqueueing happens inside the same transaction
// as the state change that produced the messages; this interface covers the
// dispatch side only.
type Store interface {
	// ClaimDue atomically transitions up to limit due rows to processing and
	// returns them. Rows stuck in processing past the lease are reclaimed.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// Complete removes a dispatched row.
	Complete(ctx context.Context, messageID string) error
	// MarkRetry requeues a claimed row for a later attempt, dead-lettering it
	// once attempt reaches DeadLetterThreshold.
	MarkRetry(ctx context.Context, messageID string, attempt int, nextAttemptAt time.Time, lastError string) error
	// RequeueDead transitions up to limit dead rows back to pending.
	RequeueDead(ctx context.Context, limit int, now time.Time) (int, error)
}

// RetryBackoff returns the delay before the given attempt is retried,
// doubling from one second and capped at five minutes.
func RetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := time.Second << (attempt - 1)
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
