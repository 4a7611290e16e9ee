// Package gateway is the IO boundary to the external payment processor.
// Every operation classifies its outcome as success, retriable failure
// (transient infrastructure fault), or permanent failure (business
// rejection). This classification is the only seam through which external
// non-determinism reaches the pure deciders.
package gateway

import (
	"context"

	"github.com/meridianpay/meridian/internal/platform/money"
)

// Result is the classified outcome of one gateway operation.
type Result struct {
	// Success reports whether the operation went through.
	Success bool
	// Reference is the processor's id for the operation, set on success.
	Reference string
	// Reason describes the failure, set when Success is false.
	Reason string
	// Retriable distinguishes transient infrastructure failures (timeouts)
	// from permanent business rejections (declines).
	Retriable bool
}

// Succeed returns a successful result with the processor reference.
func Succeed(reference string) Result {
	return Result{Success: true, Reference: reference}
}

// Fail returns a failed result with its classification.
func Fail(reason string, retriable bool) Result {
	return Result{Reason: reason, Retriable: retriable}
}

// AuthorizeRequest asks the processor to hold funds.
type AuthorizeRequest struct {
	PaymentID string
	Amount    money.Amount
	CardToken string
}

// CaptureRequest asks the processor to settle a prior hold.
type CaptureRequest struct {
	PaymentID       string
	AuthorizationID string
	Amount          money.Amount
}

// RefundRequest asks the processor to return captured funds.
type RefundRequest struct {
	PaymentID  string
	CaptureRef string
	Amount     money.Amount
}

// Gateway performs the external processor calls. Implementations return an
// error only for faults that never reached the processor; everything that
// did reach it comes back as a classified Result.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Result, error)
	Capture(ctx context.Context, req CaptureRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
}
