// Package payment holds the payment aggregate: an immutable state value and
// the pure fold that rebuilds it from the event stream.
package payment

import (
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/platform/money"
	"github.com/meridianpay/meridian/internal/services/payment/domain/event"
)

// Status is the payment's position in its lifecycle.
type Status string

const (
	// StatusPending means the payment exists but the gateway outcome is unknown.
	StatusPending Status = "pending"
	// StatusAuthorized means funds are held until the authorization expires.
	StatusAuthorized Status = "authorized"
	// StatusCaptured means funds moved; refunds may follow.
	StatusCaptured Status = "captured"
	// StatusRefunded means the captured amount is fully refunded.
	StatusRefunded Status = "refunded"
	// StatusFailed means the payment permanently failed before capture.
	StatusFailed Status = "failed"
)

// transitions is the fixed directed graph of allowed status changes.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAuthorized, StatusFailed},
	StatusAuthorized: {StatusCaptured, StatusFailed},
	StatusCaptured:   {StatusRefunded},
	StatusRefunded:   {},
	StatusFailed:     {},
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payment is the current state of one payment, rebuilt from its stream.
type Payment struct {
	ID                     string
	CorrelationID          string
	Amount                 money.Amount
	CardToken              string
	Status                 Status
	AuthorizationID        string
	AuthorizationExpiresAt time.Time
	CapturedAmount         money.Amount
	CaptureRef             string
	TotalRefunded          money.Amount
	FailureReason          string
	FailureRetriable       bool
	UpdatedAt              time.Time
}

// Exists reports whether the payment has been initiated.
func (p Payment) Exists() bool {
	return p.ID != ""
}

// AuthorizationExpired reports whether the hold has lapsed at now.
func (p Payment) AuthorizationExpired(now time.Time) bool {
	return !p.AuthorizationExpiresAt.IsZero() && now.After(p.AuthorizationExpiresAt)
}

// Refundable returns how much of the captured amount can still be refunded.
func (p Payment) Refundable() (money.Amount, error) {
	return p.CapturedAmount.Sub(p.TotalRefunded)
}

// Apply folds one event into the payment state. It is the only place payment
// state changes, so replay behavior always matches request-time behavior.
func Apply(p Payment, evt eventlog.Event) (Payment, error) {
	switch evt.Type {
	case event.TypeInitiated:
		return applyInitiated(p, evt)
	case event.TypeAuthorized:
		return applyAuthorized(p, evt)
	case event.TypeCaptured:
		return applyCaptured(p, evt)
	case event.TypeFailed:
		return applyFailed(p, evt)
	case event.TypeRefunded:
		return applyRefunded(p, evt)
	default:
		return p, fmt.Errorf("unknown payment event type %q", evt.Type)
	}
}

func applyInitiated(p Payment, evt eventlog.Event) (Payment, error) {
	if p.Exists() {
		return p, fmt.Errorf("payment %s already initiated", p.ID)
	}
	payload, err := event.DecodePayload[event.InitiatedPayload](evt)
	if err != nil {
		return p, err
	}
	zero, err := money.New(0, payload.Amount.Currency)
	if err != nil {
		return p, err
	}
	return Payment{
		ID:             evt.StreamID,
		CorrelationID:  evt.CorrelationID,
		Amount:         payload.Amount,
		CardToken:      payload.CardToken,
		Status:         StatusPending,
		CapturedAmount: zero,
		TotalRefunded:  zero,
		UpdatedAt:      evt.Timestamp,
	}, nil
}

func applyAuthorized(p Payment, evt eventlog.Event) (Payment, error) {
	if !canTransition(p.Status, StatusAuthorized) {
		return p, fmt.Errorf("cannot authorize payment in status %q", p.Status)
	}
	payload, err := event.DecodePayload[event.AuthorizedPayload](evt)
	if err != nil {
		return p, err
	}
	p.Status = StatusAuthorized
	p.AuthorizationID = payload.AuthorizationID
	p.AuthorizationExpiresAt = payload.ExpiresAt
	p.UpdatedAt = evt.Timestamp
	return p, nil
}

func applyCaptured(p Payment, evt eventlog.Event) (Payment, error) {
	if !canTransition(p.Status, StatusCaptured) {
		return p, fmt.Errorf("cannot capture payment in status %q", p.Status)
	}
	payload, err := event.DecodePayload[event.CapturedPayload](evt)
	if err != nil {
		return p, err
	}
	p.Status = StatusCaptured
	p.CapturedAmount = payload.Amount
	p.CaptureRef = payload.CaptureRef
	p.FailureReason = ""
	p.FailureRetriable = false
	p.UpdatedAt = evt.Timestamp
	return p, nil
}

func applyFailed(p Payment, evt eventlog.Event) (Payment, error) {
	payload, err := event.DecodePayload[event.FailedPayload](evt)
	if err != nil {
		return p, err
	}
	// A capture-stage failure records the reason but keeps the authorization
	// usable: the hold is not consumed, so another capture attempt is allowed
	// under caller policy.
	if payload.Stage == event.StageCapture && p.Status == StatusAuthorized {
		p.FailureReason = payload.Reason
		p.FailureRetriable = payload.Retriable
		p.UpdatedAt = evt.Timestamp
		return p, nil
	}
	if !canTransition(p.Status, StatusFailed) {
		return p, fmt.Errorf("cannot fail payment in status %q", p.Status)
	}
	p.Status = StatusFailed
	p.FailureReason = payload.Reason
	p.FailureRetriable = payload.Retriable
	p.UpdatedAt = evt.Timestamp
	return p, nil
}

func applyRefunded(p Payment, evt eventlog.Event) (Payment, error) {
	if p.Status != StatusCaptured {
		return p, fmt.Errorf("cannot refund payment in status %q", p.Status)
	}
	payload, err := event.DecodePayload[event.RefundedPayload](evt)
	if err != nil {
		return p, err
	}
	total, err := p.TotalRefunded.Add(payload.Amount)
	if err != nil {
		return p, err
	}
	over, err := total.GreaterThan(p.CapturedAmount)
	if err != nil {
		return p, err
	}
	if over {
		return p, fmt.Errorf("refund total %s exceeds captured %s", total, p.CapturedAmount)
	}
	p.TotalRefunded = total
	if p.TotalRefunded.MinorUnits >= p.CapturedAmount.MinorUnits {
		p.Status = StatusRefunded
	}
	p.UpdatedAt = evt.Timestamp
	return p, nil
}
