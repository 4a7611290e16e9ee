// Package saga orchestrates one order across the payment and fulfillment
// services. The orchestrator is a state machine over an explicit transition
// table: each delivered outcome maps (status, outcome) to the next status and
// the follow-up commands, which are persisted with the state change and
// dispatched through the outbox. Handling is idempotent under at-least-once
// delivery: every applied event id is recorded, and state writes are
// compare-and-swap on the saga version.
package saga

import (
	"time"

	"github.com/meridianpay/meridian/internal/platform/money"
)

// Status is the saga's position in the order lifecycle.
type Status string

const (
	// StatusPlaced is the initial state for a new order.
	StatusPlaced Status = "placed"
	// StatusPendingPayment means an authorize command is in flight.
	StatusPendingPayment Status = "pending_payment"
	// StatusPaymentConfirmed means funds are held; stock reservation is in flight.
	StatusPaymentConfirmed Status = "payment_confirmed"
	// StatusPaymentFailed means payment permanently failed; the order stalls.
	StatusPaymentFailed Status = "payment_failed"
	// StatusOnHold means stock reservation conflicted; awaiting manual resolution.
	StatusOnHold Status = "on_hold"
	// StatusFulfilling means stock work is under way; capture and dispatch follow.
	StatusFulfilling Status = "fulfilling"
	// StatusShipped means the shipment left the warehouse.
	StatusShipped Status = "shipped"
	// StatusDelivered means the carrier confirmed delivery.
	StatusDelivered Status = "delivered"
	// StatusReturnRequested means the customer wants the money back.
	StatusReturnRequested Status = "return_requested"
	// StatusCancelled is terminal: the order was cancelled, compensation issued.
	StatusCancelled Status = "cancelled"
	// StatusClosed is terminal: the order finished its lifecycle.
	StatusClosed Status = "closed"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusClosed
}

// Bounded attempt counters. Exhausted attempts turn a retriable failure into
// a permanent one for saga purposes.
const (
	MaxPaymentAttempts = 3
	MaxCaptureAttempts = 3
	MaxRefundAttempts  = 3
)

// State is the persisted saga record for one order, keyed by correlation id.
type State struct {
	// ID is the order's correlation id.
	ID     string
	Status Status

	// Order intake, captured from OrderPlaced.
	Amount    money.Amount
	CardToken string
	SKU       string
	Quantity  int

	// PaymentID is the current payment entity. Each authorize retry starts a
	// fresh payment stream, because a failed payment entity is terminal.
	PaymentID       string
	PaymentAttempts int
	CaptureAttempts int
	RefundAttempts  int
	CapturedAmount  money.Amount
	Captured        bool

	ReservationID string
	StockHeld     bool
	ShipmentID    string

	// LastError records the most recent failure reason for operators.
	LastError string

	// Version guards conditional writes; storage increments it per save.
	Version   uint64
	UpdatedAt time.Time
}
