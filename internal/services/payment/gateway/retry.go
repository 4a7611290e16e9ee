package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry policy defaults: three attempts on exponential backoff starting at
// 250ms. Exhausted retries surface the last classified result so the saga's
// own bounded attempt counter decides when the failure becomes permanent.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 250 * time.Millisecond
)

type retriableFailure struct {
	result Result
}

func (f *retriableFailure) Error() string {
	return f.result.Reason
}

type retrying struct {
	inner           Gateway
	maxAttempts     uint
	initialInterval time.Duration
}

// WithRetry wraps a gateway so transient faults are retried in place.
// Transport errors and retriable failures are re-attempted up to maxAttempts;
// permanent failures and successes pass through untouched.
func WithRetry(inner Gateway, maxAttempts uint, initialInterval time.Duration) Gateway {
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialInterval <= 0 {
		initialInterval = DefaultInitialInterval
	}
	return &retrying{inner: inner, maxAttempts: maxAttempts, initialInterval: initialInterval}
}

func (g *retrying) Authorize(ctx context.Context, req AuthorizeRequest) (Result, error) {
	return g.call(ctx, func(ctx context.Context) (Result, error) {
		return g.inner.Authorize(ctx, req)
	})
}

func (g *retrying) Capture(ctx context.Context, req CaptureRequest) (Result, error) {
	return g.call(ctx, func(ctx context.Context) (Result, error) {
		return g.inner.Capture(ctx, req)
	})
}

func (g *retrying) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	return g.call(ctx, func(ctx context.Context) (Result, error) {
		return g.inner.Refund(ctx, req)
	})
}

func (g *retrying) call(ctx context.Context, op func(context.Context) (Result, error)) (Result, error) {
	operation := func() (Result, error) {
		result, err := op(ctx)
		if err != nil {
			return Result{}, err
		}
		if !result.Success && result.Retriable {
			return result, &retriableFailure{result: result}
		}
		return result, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.initialInterval

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(g.maxAttempts),
	)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	var exhausted *retriableFailure
	if errors.As(err, &exhausted) {
		last := exhausted.result
		last.Reason = fmt.Sprintf("%s (after %d attempts)", last.Reason, g.maxAttempts)
		return last, nil
	}
	// Transport faults never reached the processor, so retrying later is safe.
	return Fail(fmt.Sprintf("gateway unavailable: %v (after %d attempts)", err, g.maxAttempts), true), nil
}
