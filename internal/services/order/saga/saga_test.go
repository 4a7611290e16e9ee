package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/platform/money"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type harness struct {
	orchestrator *Orchestrator
	store        *Memory
	commands     []messaging.Message
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.store = NewMemory(func(_ context.Context, commands []messaging.Message) error {
		h.commands = append(h.commands, commands...)
		return nil
	})
	seq := 0
	orchestrator, err := NewOrchestrator(h.store,
		WithClock(func() time.Time { return testNow }),
		WithIDs(func() (string, error) {
			seq++
			return fmt.Sprintf("id-%03d", seq), nil
		}),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator error: %v", err)
	}
	h.orchestrator = orchestrator
	return h
}

func usd(t *testing.T, minor int64) money.Amount {
	t.Helper()
	amount, err := money.New(minor, "USD")
	if err != nil {
		t.Fatalf("money.New(%d) error: %v", minor, err)
	}
	return amount
}

func (h *harness) deliver(t *testing.T, name, entityID string, payload any) {
	t.Helper()
	msg, err := contracts.NewMessage(name, entityID, "order-1", payload)
	if err != nil {
		t.Fatalf("NewMessage(%s) error: %v", name, err)
	}
	if err := h.orchestrator.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle(%s) error: %v", name, err)
	}
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	state, err := h.store.Get(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("Get saga error: %v", err)
	}
	return state
}

func (h *harness) commandNames() []string {
	names := make([]string, 0, len(h.commands))
	for _, cmd := range h.commands {
		names = append(names, cmd.Name)
	}
	return names
}

func (h *harness) lastCommand(t *testing.T, name string) messaging.Message {
	t.Helper()
	for i := len(h.commands) - 1; i >= 0; i-- {
		if h.commands[i].Name == name {
			return h.commands[i]
		}
	}
	t.Fatalf("no %s command issued; got %v", name, h.commandNames())
	return messaging.Message{}
}

func (h *harness) countCommands(name string) int {
	count := 0
	for _, cmd := range h.commands {
		if cmd.Name == name {
			count++
		}
	}
	return count
}

func (h *harness) place(t *testing.T) {
	t.Helper()
	h.deliver(t, contracts.OrderPlaced, "order-1", contracts.OrderPlacedPayload{
		Amount:    usd(t, 10_000),
		CardToken: "tok-ok",
		SKU:       "sku-1",
		Quantity:  2,
	})
}

// driveToFulfilling walks the saga through authorization and reservation.
func (h *harness) driveToFulfilling(t *testing.T) State {
	t.Helper()
	h.place(t)
	state := h.state(t)
	h.deliver(t, contracts.PaymentAuthorized, state.PaymentID, contracts.PaymentAuthorizedPayload{
		Amount:          usd(t, 10_000),
		AuthorizationID: "auth-1",
		ExpiresAt:       testNow.Add(7 * 24 * time.Hour),
	})
	state = h.state(t)
	h.deliver(t, contracts.StockReserved, state.ReservationID, contracts.StockReservedPayload{
		SKU:      "sku-1",
		Quantity: 2,
	})
	return h.state(t)
}

func TestOrderPlacedStartsPayment(t *testing.T) {
	h := newHarness(t)
	h.place(t)

	state := h.state(t)
	if state.Status != StatusPendingPayment {
		t.Fatalf("status = %v, want %v", state.Status, StatusPendingPayment)
	}
	if state.PaymentAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", state.PaymentAttempts)
	}
	authorize := h.lastCommand(t, contracts.AuthorizePayment)
	if authorize.EntityID != state.PaymentID {
		t.Fatalf("authorize entity = %q, want %q", authorize.EntityID, state.PaymentID)
	}

	// Redelivered OrderPlaced is a no-op.
	h.place(t)
	if h.countCommands(contracts.AuthorizePayment) != 1 {
		t.Fatalf("authorize commands = %d, want 1", h.countCommands(contracts.AuthorizePayment))
	}
}

func TestHappyPathToDelivered(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)
	if state.Status != StatusFulfilling {
		t.Fatalf("status = %v, want %v", state.Status, StatusFulfilling)
	}
	if !state.StockHeld {
		t.Fatal("stock not marked held")
	}

	capture := h.lastCommand(t, contracts.CapturePayment)
	if capture.EntityID != state.PaymentID {
		t.Fatalf("capture entity = %q, want %q", capture.EntityID, state.PaymentID)
	}
	dispatch := h.lastCommand(t, contracts.DispatchShipment)
	if dispatch.EntityID != state.ShipmentID {
		t.Fatalf("dispatch entity = %q, want %q", dispatch.EntityID, state.ShipmentID)
	}

	h.deliver(t, contracts.PaymentCaptured, state.PaymentID, contracts.PaymentCapturedPayload{Amount: usd(t, 10_000)})
	h.deliver(t, contracts.ShipmentDispatched, state.ShipmentID, contracts.ShipmentDispatchedPayload{ReservationID: state.ReservationID})
	if got := h.state(t).Status; got != StatusShipped {
		t.Fatalf("status = %v, want %v", got, StatusShipped)
	}
	h.deliver(t, contracts.ShipmentDelivered, state.ShipmentID, contracts.ShipmentDeliveredPayload{Confirmation: "carrier-1"})
	if got := h.state(t).Status; got != StatusDelivered {
		t.Fatalf("status = %v, want %v", got, StatusDelivered)
	}
}

func TestPermanentPaymentFailureNeverReservesStock(t *testing.T) {
	h := newHarness(t)
	h.place(t)
	state := h.state(t)

	h.deliver(t, contracts.PaymentFailed, state.PaymentID, contracts.PaymentFailedPayload{
		Reason:    "card declined",
		Retriable: false,
	})

	state = h.state(t)
	if state.Status != StatusPaymentFailed {
		t.Fatalf("status = %v, want %v", state.Status, StatusPaymentFailed)
	}
	if n := h.countCommands(contracts.ReserveStock); n != 0 {
		t.Fatalf("reserve commands = %d, want 0", n)
	}
}

func TestRetriablePaymentFailureRetriesBounded(t *testing.T) {
	h := newHarness(t)
	h.place(t)

	// Two retriable failures each start a fresh payment entity.
	for want := 2; want <= MaxPaymentAttempts; want++ {
		state := h.state(t)
		previous := state.PaymentID
		h.deliver(t, contracts.PaymentFailed, previous, contracts.PaymentFailedPayload{
			Reason:    "gateway timeout",
			Retriable: true,
		})
		state = h.state(t)
		if state.Status != StatusPendingPayment {
			t.Fatalf("status = %v, want %v", state.Status, StatusPendingPayment)
		}
		if state.PaymentAttempts != want {
			t.Fatalf("attempts = %d, want %d", state.PaymentAttempts, want)
		}
		if state.PaymentID == previous {
			t.Fatal("retry reused the failed payment entity")
		}
	}

	// The third retriable failure exhausts the budget.
	h.deliver(t, contracts.PaymentFailed, h.state(t).PaymentID, contracts.PaymentFailedPayload{
		Reason:    "gateway timeout",
		Retriable: true,
	})
	state := h.state(t)
	if state.Status != StatusPaymentFailed {
		t.Fatalf("status = %v, want %v", state.Status, StatusPaymentFailed)
	}
	if n := h.countCommands(contracts.AuthorizePayment); n != MaxPaymentAttempts {
		t.Fatalf("authorize commands = %d, want %d", n, MaxPaymentAttempts)
	}
}

func TestRedeliveredOutcomeIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.place(t)
	state := h.state(t)

	msg, err := contracts.NewMessage(contracts.PaymentAuthorized, state.PaymentID, "order-1", contracts.PaymentAuthorizedPayload{
		Amount:          usd(t, 10_000),
		AuthorizationID: "auth-1",
		ExpiresAt:       testNow.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	if err := h.orchestrator.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	afterFirst := h.state(t)

	// Same event id again: no state change, no duplicate command.
	if err := h.orchestrator.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivered Handle error: %v", err)
	}
	afterSecond := h.state(t)
	if afterSecond.Version != afterFirst.Version {
		t.Fatalf("version = %d, want %d (no-op)", afterSecond.Version, afterFirst.Version)
	}
	if n := h.countCommands(contracts.ReserveStock); n != 1 {
		t.Fatalf("reserve commands = %d, want 1", n)
	}
}

func TestStockConflictHoldsThenResolves(t *testing.T) {
	h := newHarness(t)
	h.place(t)
	state := h.state(t)
	h.deliver(t, contracts.PaymentAuthorized, state.PaymentID, contracts.PaymentAuthorizedPayload{
		Amount:          usd(t, 10_000),
		AuthorizationID: "auth-1",
		ExpiresAt:       testNow.Add(7 * 24 * time.Hour),
	})
	state = h.state(t)

	h.deliver(t, contracts.StockConflict, state.ReservationID, contracts.StockConflictPayload{
		SKU: "sku-1", Quantity: 2, Available: 0,
	})
	state = h.state(t)
	if state.Status != StatusOnHold {
		t.Fatalf("status = %v, want %v", state.Status, StatusOnHold)
	}

	h.deliver(t, contracts.OrderHoldResolved, "order-1", struct{}{})
	state = h.state(t)
	if state.Status != StatusFulfilling {
		t.Fatalf("status = %v, want %v", state.Status, StatusFulfilling)
	}
	// Resolution issues a fresh reservation.
	if n := h.countCommands(contracts.ReserveStock); n != 2 {
		t.Fatalf("reserve commands = %d, want 2", n)
	}
	h.deliver(t, contracts.StockReserved, state.ReservationID, contracts.StockReservedPayload{SKU: "sku-1", Quantity: 2})
	if got := h.state(t).Status; got != StatusFulfilling {
		t.Fatalf("status = %v, want %v", got, StatusFulfilling)
	}
	if n := h.countCommands(contracts.CapturePayment); n != 1 {
		t.Fatalf("capture commands = %d, want 1", n)
	}
}

func TestHoldAbandonedCancels(t *testing.T) {
	h := newHarness(t)
	h.place(t)
	state := h.state(t)
	h.deliver(t, contracts.PaymentAuthorized, state.PaymentID, contracts.PaymentAuthorizedPayload{
		Amount: usd(t, 10_000), AuthorizationID: "auth-1", ExpiresAt: testNow.Add(time.Hour),
	})
	state = h.state(t)
	h.deliver(t, contracts.StockConflict, state.ReservationID, contracts.StockConflictPayload{SKU: "sku-1", Quantity: 2})

	h.deliver(t, contracts.OrderHoldAbandoned, "order-1", struct{}{})
	state = h.state(t)
	if state.Status != StatusCancelled {
		t.Fatalf("status = %v, want %v", state.Status, StatusCancelled)
	}
	// Nothing was held or captured, so no compensation commands.
	if n := h.countCommands(contracts.ReleaseStock) + h.countCommands(contracts.RefundPayment); n != 0 {
		t.Fatalf("compensation commands = %d, want 0", n)
	}
}

func TestCancelAfterCaptureCompensatesInOrder(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)
	h.deliver(t, contracts.PaymentCaptured, state.PaymentID, contracts.PaymentCapturedPayload{Amount: usd(t, 10_000)})

	before := len(h.commands)
	h.deliver(t, contracts.OrderCancelRequested, "order-1", struct{}{})

	state = h.state(t)
	if state.Status != StatusCancelled {
		t.Fatalf("status = %v, want %v", state.Status, StatusCancelled)
	}
	compensation := h.commands[before:]
	if len(compensation) != 2 {
		t.Fatalf("compensation commands = %v, want release then refund", h.commandNames()[before:])
	}
	if compensation[0].Name != contracts.ReleaseStock {
		t.Fatalf("first compensation = %q, want %q", compensation[0].Name, contracts.ReleaseStock)
	}
	if compensation[1].Name != contracts.RefundPayment {
		t.Fatalf("second compensation = %q, want %q", compensation[1].Name, contracts.RefundPayment)
	}

	// Terminal state absorbs any further outcomes.
	h.deliver(t, contracts.StockReleased, state.ReservationID, contracts.StockReleasedPayload{SKU: "sku-1", Quantity: 2})
	h.deliver(t, contracts.RefundCompleted, state.PaymentID, contracts.RefundCompletedPayload{
		Amount: usd(t, 10_000), TotalRefunded: usd(t, 10_000),
	})
	if got := h.state(t).Status; got != StatusCancelled {
		t.Fatalf("status = %v, want terminal %v", got, StatusCancelled)
	}
}

func TestCancelAfterShippingIsIgnored(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)
	h.deliver(t, contracts.ShipmentDispatched, state.ShipmentID, contracts.ShipmentDispatchedPayload{ReservationID: state.ReservationID})

	h.deliver(t, contracts.OrderCancelRequested, "order-1", struct{}{})
	if got := h.state(t).Status; got != StatusShipped {
		t.Fatalf("status = %v, want %v (cancel after shipping ignored)", got, StatusShipped)
	}
}

func TestReturnFlowClosesAfterRefund(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)
	h.deliver(t, contracts.PaymentCaptured, state.PaymentID, contracts.PaymentCapturedPayload{Amount: usd(t, 10_000)})
	h.deliver(t, contracts.ShipmentDispatched, state.ShipmentID, contracts.ShipmentDispatchedPayload{ReservationID: state.ReservationID})
	h.deliver(t, contracts.ShipmentDelivered, state.ShipmentID, contracts.ShipmentDeliveredPayload{Confirmation: "carrier-1"})

	h.deliver(t, contracts.ReturnRequested, "order-1", struct{}{})
	state = h.state(t)
	if state.Status != StatusReturnRequested {
		t.Fatalf("status = %v, want %v", state.Status, StatusReturnRequested)
	}
	refund := h.lastCommand(t, contracts.RefundPayment)
	payload, err := contracts.Decode[contracts.RefundPaymentPayload](refund)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if payload.Amount.MinorUnits != 10_000 {
		t.Fatalf("refund amount = %d, want 10000", payload.Amount.MinorUnits)
	}

	h.deliver(t, contracts.RefundCompleted, state.PaymentID, contracts.RefundCompletedPayload{
		Amount: usd(t, 10_000), TotalRefunded: usd(t, 10_000),
	})
	if got := h.state(t).Status; got != StatusClosed {
		t.Fatalf("status = %v, want %v", got, StatusClosed)
	}
}

func TestCaptureFailureRetriesThenCancels(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)

	// Two retriable capture failures reissue the capture command.
	for i := 0; i < MaxCaptureAttempts-1; i++ {
		h.deliver(t, contracts.PaymentFailed, state.PaymentID, contracts.PaymentFailedPayload{
			Reason: "processor busy", Retriable: true,
		})
	}
	if got := h.state(t).Status; got != StatusFulfilling {
		t.Fatalf("status = %v, want %v", got, StatusFulfilling)
	}
	if n := h.countCommands(contracts.CapturePayment); n != MaxCaptureAttempts {
		t.Fatalf("capture commands = %d, want %d", n, MaxCaptureAttempts)
	}

	// The exhausting failure cancels with stock released. Nothing was
	// captured, so no refund is issued.
	h.deliver(t, contracts.PaymentFailed, state.PaymentID, contracts.PaymentFailedPayload{
		Reason: "processor busy", Retriable: true,
	})
	state = h.state(t)
	if state.Status != StatusCancelled {
		t.Fatalf("status = %v, want %v", state.Status, StatusCancelled)
	}
	if n := h.countCommands(contracts.ReleaseStock); n != 1 {
		t.Fatalf("release commands = %d, want 1", n)
	}
	if n := h.countCommands(contracts.RefundPayment); n != 0 {
		t.Fatalf("refund commands = %d, want 0", n)
	}
}

func TestCaptureFailureAfterShipmentRetriesUntilCaptured(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)

	// Dispatch outcome overtakes the capture outcome.
	h.deliver(t, contracts.ShipmentDispatched, state.ShipmentID, contracts.ShipmentDispatchedPayload{ReservationID: state.ReservationID})
	if got := h.state(t).Status; got != StatusShipped {
		t.Fatalf("status = %v, want %v", got, StatusShipped)
	}

	h.deliver(t, contracts.PaymentFailed, state.PaymentID, contracts.PaymentFailedPayload{
		Reason: "processor busy", Retriable: true,
	})
	state = h.state(t)
	if state.Status != StatusShipped {
		t.Fatalf("status = %v, want %v", state.Status, StatusShipped)
	}
	if n := h.countCommands(contracts.CapturePayment); n != 2 {
		t.Fatalf("capture commands = %d, want 2 (retry after shipping)", n)
	}

	// The retried capture succeeds; the order still settles.
	h.deliver(t, contracts.PaymentCaptured, state.PaymentID, contracts.PaymentCapturedPayload{Amount: usd(t, 10_000)})
	state = h.state(t)
	if !state.Captured {
		t.Fatal("capture after shipping not recorded")
	}
	if state.Status != StatusShipped {
		t.Fatalf("status = %v, want %v", state.Status, StatusShipped)
	}
	h.deliver(t, contracts.ShipmentDelivered, state.ShipmentID, contracts.ShipmentDeliveredPayload{Confirmation: "carrier-1"})
	if got := h.state(t).Status; got != StatusDelivered {
		t.Fatalf("status = %v, want %v", got, StatusDelivered)
	}
}

func TestPermanentCaptureFailureAfterShipmentParksOrder(t *testing.T) {
	h := newHarness(t)
	state := h.driveToFulfilling(t)
	h.deliver(t, contracts.ShipmentDispatched, state.ShipmentID, contracts.ShipmentDispatchedPayload{ReservationID: state.ReservationID})

	h.deliver(t, contracts.PaymentFailed, state.PaymentID, contracts.PaymentFailedPayload{
		Reason: "card closed", Retriable: false,
	})
	state = h.state(t)
	if state.Status != StatusShipped {
		t.Fatalf("status = %v, want %v (goods already shipped)", state.Status, StatusShipped)
	}
	if state.Captured {
		t.Fatal("capture recorded despite permanent failure")
	}
	if state.LastError == "" {
		t.Fatal("permanent capture failure left no operator signal")
	}
	if n := h.countCommands(contracts.CapturePayment); n != 1 {
		t.Fatalf("capture commands = %d, want 1 (no retry of a permanent failure)", n)
	}

	// Delivery still lands, with the failure preserved on the saga.
	h.deliver(t, contracts.ShipmentDelivered, state.ShipmentID, contracts.ShipmentDeliveredPayload{Confirmation: "carrier-1"})
	state = h.state(t)
	if state.Status != StatusDelivered {
		t.Fatalf("status = %v, want %v", state.Status, StatusDelivered)
	}
	if state.LastError == "" {
		t.Fatal("delivery cleared the recorded capture failure")
	}
}

func TestCaptureOutcomeConfirmsPendingPayment(t *testing.T) {
	h := newHarness(t)
	h.place(t)
	state := h.state(t)

	h.deliver(t, contracts.PaymentCaptured, state.PaymentID, contracts.PaymentCapturedPayload{Amount: usd(t, 10_000)})
	state = h.state(t)
	if state.Status != StatusPaymentConfirmed {
		t.Fatalf("status = %v, want %v", state.Status, StatusPaymentConfirmed)
	}
	if !state.Captured || state.CapturedAmount.MinorUnits != 10_000 {
		t.Fatalf("captured = %v %v, want 10000 recorded", state.Captured, state.CapturedAmount)
	}
	if n := h.countCommands(contracts.ReserveStock); n != 1 {
		t.Fatalf("reserve commands = %d, want 1", n)
	}
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	store := NewMemory(nil)
	state := State{ID: "order-1", Status: StatusPlaced}
	if err := store.Save(context.Background(), state, 0, "evt-1", nil); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	err := store.Save(context.Background(), state, 0, "evt-2", nil)
	if err == nil {
		t.Fatal("stale save succeeded, want conflict")
	}
}
