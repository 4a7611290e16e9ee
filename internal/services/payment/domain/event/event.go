// Package event defines the facts recorded on a payment's stream.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/platform/id"
	"github.com/meridianpay/meridian/internal/platform/money"
)

// Payment lifecycle events.
const (
	// TypeInitiated records the creation of a payment.
	TypeInitiated eventlog.Type = "payment.initiated"
	// TypeAuthorized records a successful authorization hold.
	TypeAuthorized eventlog.Type = "payment.authorized"
	// TypeCaptured records a successful capture of an authorization.
	TypeCaptured eventlog.Type = "payment.captured"
	// TypeFailed records a failed authorization or capture attempt.
	TypeFailed eventlog.Type = "payment.failed"
	// TypeRefunded records a completed refund against the captured amount.
	TypeRefunded eventlog.Type = "payment.refunded"
)

// Stages distinguishing which operation a failure belongs to.
const (
	StageAuthorization = "authorization"
	StageCapture       = "capture"
)

// InitiatedPayload carries the payment's immutable intake data.
type InitiatedPayload struct {
	Amount    money.Amount `json:"amount"`
	CardToken string       `json:"card_token"`
}

// AuthorizedPayload carries the gateway hold metadata.
type AuthorizedPayload struct {
	AuthorizationID string    `json:"authorization_id"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// CapturedPayload carries the captured amount and gateway reference.
type CapturedPayload struct {
	Amount     money.Amount `json:"amount"`
	CaptureRef string       `json:"capture_ref"`
}

// FailedPayload carries the gateway's failure classification. A capture-stage
// failure leaves the still-unexpired authorization intact.
type FailedPayload struct {
	Stage     string `json:"stage"`
	Reason    string `json:"reason"`
	Retriable bool   `json:"retriable"`
}

// RefundedPayload carries one refund increment and its gateway reference.
type RefundedPayload struct {
	Amount    money.Amount `json:"amount"`
	RefundRef string       `json:"refund_ref"`
}

// New builds a payment event with a fresh event id and a JSON payload.
func New(streamID string, t eventlog.Type, correlationID, causationID string, at time.Time, payload any) (eventlog.Event, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	eventID, err := id.NewID()
	if err != nil {
		return eventlog.Event{}, err
	}
	return eventlog.Event{
		StreamID:      streamID,
		ID:            eventID,
		Type:          t,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Timestamp:     at.UTC(),
		PayloadJSON:   encoded,
	}, nil
}

// DecodePayload unmarshals an event payload into T.
func DecodePayload[T any](evt eventlog.Event) (T, error) {
	var payload T
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return payload, nil
}
