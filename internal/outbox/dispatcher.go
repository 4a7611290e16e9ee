package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meridianpay/meridian/internal/messaging"
)

const (
	defaultClaimLimit   = 50
	defaultPollInterval = 250 * time.Millisecond
)

// Dispatcher drains the outbox into the message bus.
type Dispatcher struct {
	Store     Store
	Publisher messaging.Publisher

	// ClaimLimit caps rows claimed per pass.
	ClaimLimit int
	// PollInterval sets the idle delay between passes in Run.
	PollInterval time.Duration
}

// ProcessOnce claims due rows and publishes them. Successful rows are
// removed; failing rows are requeued on backoff. It returns the number of
// rows handled.
func (d *Dispatcher) ProcessOnce(ctx context.Context, now time.Time) (int, error) {
	if d.Store == nil {
		return 0, errors.New("outbox store is required")
	}
	if d.Publisher == nil {
		return 0, errors.New("publisher is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	limit := d.ClaimLimit
	if limit <= 0 {
		limit = defaultClaimLimit
	}

	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.process")
	defer span.End()

	entries, err := d.Store.ClaimDue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("claim due outbox rows: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))

	processed := 0
	for _, entry := range entries {
		if publishErr := d.Publisher.Publish(ctx, entry.Message); publishErr != nil {
			attempt := entry.AttemptCount + 1
			nextAttempt := now.Add(RetryBackoff(attempt))
			if err := d.Store.MarkRetry(ctx, entry.Message.ID, attempt, nextAttempt, publishErr.Error()); err != nil {
				return processed, fmt.Errorf("mark outbox retry %s: %w", entry.Message.ID, err)
			}
			processed++
			continue
		}
		if err := d.Store.Complete(ctx, entry.Message.ID); err != nil {
			return processed, fmt.Errorf("complete outbox row %s: %w", entry.Message.ID, err)
		}
		processed++
	}
	return processed, nil
}

// Drain repeatedly processes until a pass handles no rows. Intended for
// in-process wiring and tests where delivery should settle synchronously.
func (d *Dispatcher) Drain(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		handled, err := d.ProcessOnce(ctx, now)
		total += handled
		if err != nil {
			return total, err
		}
		if handled == 0 {
			return total, nil
		}
	}
}

// Run processes the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.ProcessOnce(ctx, time.Now().UTC()); err != nil {
				return err
			}
		}
	}
}
