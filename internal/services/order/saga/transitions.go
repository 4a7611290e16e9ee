package saga

import (
	"fmt"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/messaging"
)

// transitionKey pairs the saga's current status with an incoming outcome.
type transitionKey struct {
	status  Status
	outcome string
}

// transition computes the next state and follow-up commands for one outcome.
// Transitions are pure given the state, the message, and fresh ids from the
// orchestrator.
type transition func(o *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error)

// transitions is the explicit (status, outcome) table. An outcome with no
// entry for the current status is ignored: either it is stale (the saga moved
// past it) or it arrived out of order, and at-least-once delivery will bring
// a relevant outcome later.
var transitions = map[transitionKey]transition{
	// Payment. A capture outcome while payment is still pending means the
	// processor collapsed authorization and capture into one step; it confirms
	// the payment the same way an authorized outcome does.
	{StatusPendingPayment, contracts.PaymentAuthorized}: onPaymentAuthorized,
	{StatusPendingPayment, contracts.PaymentCaptured}:   onPaymentCapturedPending,
	{StatusPendingPayment, contracts.PaymentFailed}:     onAuthorizationFailed,

	// Stock reservation. Fulfilling repeats the pair so a reservation issued
	// after a resolved hold lands in the same flow.
	{StatusPaymentConfirmed, contracts.StockReserved}: onStockReserved,
	{StatusPaymentConfirmed, contracts.StockConflict}: onStockConflict,
	{StatusFulfilling, contracts.StockReserved}:       onStockReserved,
	{StatusFulfilling, contracts.StockConflict}:       onStockConflict,

	// Manual hold resolution.
	{StatusOnHold, contracts.OrderHoldResolved}:  onHoldResolved,
	{StatusOnHold, contracts.OrderHoldAbandoned}: onHoldAbandoned,

	// Capture and shipment. Capture and dispatch run in parallel, so capture
	// outcomes can arrive after the shipment outcome moved the saga on; the
	// Shipped and Delivered rows keep them from being dropped.
	{StatusFulfilling, contracts.PaymentCaptured}:    onPaymentCaptured,
	{StatusFulfilling, contracts.PaymentFailed}:      onCaptureFailed,
	{StatusFulfilling, contracts.ShipmentDispatched}: onShipmentDispatched,
	{StatusShipped, contracts.PaymentCaptured}:       onPaymentCaptured,
	{StatusShipped, contracts.PaymentFailed}:         onShippedCaptureFailed,
	{StatusShipped, contracts.ShipmentDelivered}:     onShipmentDelivered,
	{StatusDelivered, contracts.PaymentCaptured}:     onPaymentCaptured,
	{StatusDelivered, contracts.PaymentFailed}:       onShippedCaptureFailed,

	// Returns.
	{StatusDelivered, contracts.ReturnRequested}:       onReturnRequested,
	{StatusReturnRequested, contracts.RefundCompleted}: onRefundCompleted,
	{StatusReturnRequested, contracts.RefundFailed}:    onRefundFailed,

	// Explicit cancellation is allowed anywhere pre-shipment.
	{StatusPlaced, contracts.OrderCancelRequested}:           onCancelRequested,
	{StatusPendingPayment, contracts.OrderCancelRequested}:   onCancelRequested,
	{StatusPaymentConfirmed, contracts.OrderCancelRequested}: onCancelRequested,
	{StatusPaymentFailed, contracts.OrderCancelRequested}:    onCancelRequested,
	{StatusOnHold, contracts.OrderCancelRequested}:           onCancelRequested,
	{StatusFulfilling, contracts.OrderCancelRequested}:       onCancelRequested,
}

// authorizeCommand starts a fresh payment entity for the saga's order amount.
func authorizeCommand(o *Orchestrator, state *State) (messaging.Message, error) {
	paymentID, err := o.newID()
	if err != nil {
		return messaging.Message{}, err
	}
	state.PaymentID = paymentID
	state.PaymentAttempts++
	return contracts.NewMessage(contracts.AuthorizePayment, paymentID, state.ID, contracts.AuthorizePaymentPayload{
		Amount:    state.Amount,
		CardToken: state.CardToken,
		Attempt:   state.PaymentAttempts,
	})
}

// reserveCommand starts a fresh reservation for the saga's sku and quantity.
func reserveCommand(o *Orchestrator, state *State) (messaging.Message, error) {
	reservationID, err := o.newID()
	if err != nil {
		return messaging.Message{}, err
	}
	state.ReservationID = reservationID
	return contracts.NewMessage(contracts.ReserveStock, reservationID, state.ID, contracts.ReserveStockPayload{
		SKU:      state.SKU,
		Quantity: state.Quantity,
	})
}

// captureCommand asks the payment service to settle the saga's payment.
func captureCommand(state State) (messaging.Message, error) {
	return contracts.NewMessage(contracts.CapturePayment, state.PaymentID, state.ID, contracts.CapturePaymentPayload{
		Amount: state.Amount,
	})
}

func onPaymentAuthorized(o *Orchestrator, state State, _ messaging.Message) (State, []messaging.Message, error) {
	state.Status = StatusPaymentConfirmed
	state.LastError = ""
	reserve, err := reserveCommand(o, &state)
	if err != nil {
		return state, nil, err
	}
	return state, []messaging.Message{reserve}, nil
}

func onPaymentCapturedPending(o *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	payload, err := contracts.Decode[contracts.PaymentCapturedPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.Status = StatusPaymentConfirmed
	state.Captured = true
	state.CapturedAmount = payload.Amount
	state.LastError = ""
	reserve, err := reserveCommand(o, &state)
	if err != nil {
		return state, nil, err
	}
	return state, []messaging.Message{reserve}, nil
}

func onAuthorizationFailed(o *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	payload, err := contracts.Decode[contracts.PaymentFailedPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.LastError = payload.Reason
	if payload.Retriable && state.PaymentAttempts < MaxPaymentAttempts {
		authorize, err := authorizeCommand(o, &state)
		if err != nil {
			return state, nil, err
		}
		return state, []messaging.Message{authorize}, nil
	}
	state.Status = StatusPaymentFailed
	return state, nil, nil
}

func onStockReserved(o *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	// Outcomes for a superseded reservation id are stale.
	if msg.EntityID != state.ReservationID {
		return state, nil, nil
	}
	state.Status = StatusFulfilling
	state.StockHeld = true

	capture, err := captureCommand(state)
	if err != nil {
		return state, nil, err
	}
	shipmentID, err := o.newID()
	if err != nil {
		return state, nil, err
	}
	state.ShipmentID = shipmentID
	dispatch, err := contracts.NewMessage(contracts.DispatchShipment, shipmentID, state.ID, contracts.DispatchShipmentPayload{
		ReservationID: state.ReservationID,
	})
	if err != nil {
		return state, nil, err
	}
	return state, []messaging.Message{capture, dispatch}, nil
}

func onStockConflict(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	if msg.EntityID != state.ReservationID {
		return state, nil, nil
	}
	payload, err := contracts.Decode[contracts.StockConflictPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.Status = StatusOnHold
	state.StockHeld = false
	state.LastError = fmt.Sprintf("stock conflict: %s wanted %d, available %d", payload.SKU, payload.Quantity, payload.Available)
	return state, nil, nil
}

// onHoldResolved restarts the reservation after an operator replenished
// stock. The saga resumes fulfilling; the fresh reservation's outcome lands
// in the Fulfilling rows of the table.
func onHoldResolved(o *Orchestrator, state State, _ messaging.Message) (State, []messaging.Message, error) {
	state.Status = StatusFulfilling
	state.LastError = ""
	reserve, err := reserveCommand(o, &state)
	if err != nil {
		return state, nil, err
	}
	return state, []messaging.Message{reserve}, nil
}

func onHoldAbandoned(o *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	return cancel(state)
}

func onPaymentCaptured(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	payload, err := contracts.Decode[contracts.PaymentCapturedPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.Captured = true
	state.CapturedAmount = payload.Amount
	state.LastError = ""
	return state, nil, nil
}

// onCaptureFailed retries the capture while the failure is retriable; a
// permanent failure cancels the order with compensation. The authorization
// hold is not consumed by a failed capture, so retrying the same payment
// entity is safe.
func onCaptureFailed(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	payload, err := contracts.Decode[contracts.PaymentFailedPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.LastError = payload.Reason
	state.CaptureAttempts++
	if payload.Retriable && state.CaptureAttempts < MaxCaptureAttempts {
		capture, err := captureCommand(state)
		if err != nil {
			return state, nil, err
		}
		return state, []messaging.Message{capture}, nil
	}
	return cancel(state)
}

// onShippedCaptureFailed handles a capture failure that arrives after the
// goods left the warehouse. Cancelling is no longer an option, so a retriable
// failure within the attempt budget reissues the capture; anything else parks
// the order in its shipping status with the failure recorded for operators.
func onShippedCaptureFailed(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	payload, err := contracts.Decode[contracts.PaymentFailedPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.LastError = payload.Reason
	state.CaptureAttempts++
	if payload.Retriable && state.CaptureAttempts < MaxCaptureAttempts {
		capture, err := captureCommand(state)
		if err != nil {
			return state, nil, err
		}
		return state, []messaging.Message{capture}, nil
	}
	return state, nil, nil
}

func onShipmentDispatched(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	if msg.EntityID != state.ShipmentID {
		return state, nil, nil
	}
	state.Status = StatusShipped
	return state, nil, nil
}

func onShipmentDelivered(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	if msg.EntityID != state.ShipmentID {
		return state, nil, nil
	}
	state.Status = StatusDelivered
	return state, nil, nil
}

func onReturnRequested(_ *Orchestrator, state State, _ messaging.Message) (State, []messaging.Message, error) {
	state.Status = StatusReturnRequested
	refund, err := refundCommand(state)
	if err != nil {
		return state, nil, err
	}
	state.RefundAttempts = 1
	return state, []messaging.Message{refund}, nil
}

func onRefundCompleted(_ *Orchestrator, state State, _ messaging.Message) (State, []messaging.Message, error) {
	state.Status = StatusClosed
	state.LastError = ""
	return state, nil, nil
}

// onRefundFailed retries a retriable refund a bounded number of times;
// exhausted or permanent failures park the saga in ReturnRequested with the
// reason recorded for operators.
func onRefundFailed(_ *Orchestrator, state State, msg messaging.Message) (State, []messaging.Message, error) {
	payload, err := contracts.Decode[contracts.RefundFailedPayload](msg)
	if err != nil {
		return state, nil, err
	}
	state.LastError = payload.Reason
	if payload.Retriable && state.RefundAttempts < MaxRefundAttempts {
		refund, err := refundCommand(state)
		if err != nil {
			return state, nil, err
		}
		state.RefundAttempts++
		return state, []messaging.Message{refund}, nil
	}
	return state, nil, nil
}

func onCancelRequested(_ *Orchestrator, state State, _ messaging.Message) (State, []messaging.Message, error) {
	return cancel(state)
}

// cancel moves the saga to Cancelled after issuing compensation in reverse
// acquisition order: release held stock first, then refund captured funds. An
// uncaptured authorization needs no command; the hold lapses on its own.
func cancel(state State) (State, []messaging.Message, error) {
	var commands []messaging.Message
	if state.StockHeld {
		release, err := contracts.NewMessage(contracts.ReleaseStock, state.ReservationID, state.ID, struct{}{})
		if err != nil {
			return state, nil, err
		}
		commands = append(commands, release)
		state.StockHeld = false
	}
	if state.Captured {
		refund, err := refundCommand(state)
		if err != nil {
			return state, nil, err
		}
		commands = append(commands, refund)
	}
	state.Status = StatusCancelled
	return state, commands, nil
}

func refundCommand(state State) (messaging.Message, error) {
	return contracts.NewMessage(contracts.RefundPayment, state.PaymentID, state.ID, contracts.RefundPaymentPayload{
		Amount: state.CapturedAmount,
	})
}
