// Package contracts defines the integration messages exchanged between the
// order saga and the services that own each transactional step. Outcome
// messages are past-tense facts; command messages are imperative verbs.
// Every message carries the entity id and correlation id in its envelope.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/platform/id"
	"github.com/meridianpay/meridian/internal/platform/money"
)

// Order lifecycle inputs.
const (
	OrderPlaced          = "OrderPlaced"
	OrderCancelRequested = "OrderCancelRequested"
	OrderHoldResolved    = "OrderHoldResolved"
	OrderHoldAbandoned   = "OrderHoldAbandoned"
	ReturnRequested      = "ReturnRequested"
)

// Commands issued by the saga orchestrator.
const (
	AuthorizePayment = "AuthorizePayment"
	CapturePayment   = "CapturePayment"
	RefundPayment    = "RefundPayment"
	ReserveStock     = "ReserveStock"
	ReleaseStock     = "ReleaseStock"
	DispatchShipment = "DispatchShipment"
)

// Outcome facts published by the owning services.
const (
	PaymentAuthorized  = "PaymentAuthorized"
	PaymentCaptured    = "PaymentCaptured"
	PaymentFailed      = "PaymentFailed"
	RefundCompleted    = "RefundCompleted"
	RefundFailed       = "RefundFailed"
	StockReserved      = "StockReserved"
	StockConflict      = "StockConflict"
	StockReleased      = "StockReleased"
	ShipmentDispatched = "ShipmentDispatched"
	ShipmentDelivered  = "ShipmentDelivered"
)

// OrderPlacedPayload carries everything the saga needs to drive the order.
type OrderPlacedPayload struct {
	Amount    money.Amount `json:"amount"`
	CardToken string       `json:"card_token"`
	SKU       string       `json:"sku"`
	Quantity  int          `json:"quantity"`
}

// AuthorizePaymentPayload instructs the payment service to authorize a new payment.
type AuthorizePaymentPayload struct {
	Amount    money.Amount `json:"amount"`
	CardToken string       `json:"card_token"`
	Attempt   int          `json:"attempt"`
}

// CapturePaymentPayload instructs the payment service to capture an authorized payment.
type CapturePaymentPayload struct {
	Amount money.Amount `json:"amount"`
}

// RefundPaymentPayload instructs the payment service to refund a captured payment.
type RefundPaymentPayload struct {
	Amount money.Amount `json:"amount"`
}

// ReserveStockPayload instructs the fulfillment service to hold stock.
type ReserveStockPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// DispatchShipmentPayload instructs the fulfillment service to ship.
type DispatchShipmentPayload struct {
	ReservationID string `json:"reservation_id"`
}

// PaymentAuthorizedPayload reports a successful authorization.
type PaymentAuthorizedPayload struct {
	Amount          money.Amount `json:"amount"`
	AuthorizationID string       `json:"authorization_id"`
	ExpiresAt       time.Time    `json:"expires_at"`
}

// PaymentCapturedPayload reports a successful capture.
type PaymentCapturedPayload struct {
	Amount money.Amount `json:"amount"`
}

// PaymentFailedPayload reports a failed authorization or capture attempt.
type PaymentFailedPayload struct {
	Reason    string `json:"reason"`
	Retriable bool   `json:"retriable"`
}

// RefundCompletedPayload reports a completed refund.
type RefundCompletedPayload struct {
	Amount        money.Amount `json:"amount"`
	TotalRefunded money.Amount `json:"total_refunded"`
}

// RefundFailedPayload reports a refund the gateway declined or dropped.
type RefundFailedPayload struct {
	Reason    string `json:"reason"`
	Retriable bool   `json:"retriable"`
}

// StockReservedPayload reports a successful stock hold.
type StockReservedPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// StockConflictPayload reports that stock could not be held.
type StockConflictPayload struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Available int    `json:"available"`
}

// StockReleasedPayload reports a returned stock hold.
type StockReleasedPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ShipmentDispatchedPayload reports a dispatched shipment.
type ShipmentDispatchedPayload struct {
	ReservationID string `json:"reservation_id"`
}

// ShipmentDeliveredPayload reports carrier delivery confirmation.
type ShipmentDeliveredPayload struct {
	Confirmation string `json:"confirmation"`
}

// NewMessage builds a validated message envelope around a JSON payload.
func NewMessage(name, entityID, correlationID string, payload any) (messaging.Message, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return messaging.Message{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	messageID, err := id.NewID()
	if err != nil {
		return messaging.Message{}, err
	}
	msg := messaging.Message{
		ID:            messageID,
		Name:          name,
		EntityID:      entityID,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		PayloadJSON:   encoded,
	}
	if err := msg.Validate(); err != nil {
		return messaging.Message{}, err
	}
	return msg, nil
}

// Decode unmarshals a message payload into T.
func Decode[T any](msg messaging.Message) (T, error) {
	var payload T
	if len(msg.PayloadJSON) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(msg.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", msg.Name, err)
	}
	return payload, nil
}
