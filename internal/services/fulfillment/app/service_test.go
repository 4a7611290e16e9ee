package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/reservation"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/shipment"
	"github.com/meridianpay/meridian/internal/services/fulfillment/inventory"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu       sync.Mutex
	streams  map[string][]eventlog.Event
	messages []messaging.Message
}

func newMemoryStore() *memoryStore {
	return &memoryStore{streams: make(map[string][]eventlog.Event)}
}

func (s *memoryStore) Append(_ context.Context, streamID string, expectedVersion uint64, events []eventlog.Event, messages []messaging.Message) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := uint64(len(s.streams[streamID]))
	if current != expectedVersion {
		return nil, fmt.Errorf("append %s: %w", streamID, eventlog.ErrVersionConflict)
	}
	stored := make([]eventlog.Event, 0, len(events))
	for i, evt := range events {
		evt.Version = expectedVersion + uint64(i) + 1
		stored = append(stored, evt)
	}
	s.streams[streamID] = append(s.streams[streamID], stored...)
	s.messages = append(s.messages, messages...)
	return stored, nil
}

func (s *memoryStore) Load(_ context.Context, streamID string, afterVersion uint64, limit int) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	for _, evt := range s.streams[streamID] {
		if evt.Version <= afterVersion {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) LatestVersion(_ context.Context, streamID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.streams[streamID])), nil
}

func (s *memoryStore) lastMessage(t *testing.T) messaging.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		t.Fatal("no messages recorded")
	}
	return s.messages[len(s.messages)-1]
}

func newTestService(t *testing.T, levels map[string]int) (*Service, *memoryStore, *inventory.Memory) {
	t.Helper()
	store := newMemoryStore()
	inv := inventory.NewMemory(levels)
	svc, err := NewService(store, inv, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc, store, inv
}

func TestReserveHoldsStock(t *testing.T) {
	svc, store, inv := newTestService(t, map[string]int{"sku-1": 5})

	if err := svc.Reserve(context.Background(), "resv-1", "order-1", "sku-1", 3, "cause-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	r, version, err := svc.GetReservation(context.Background(), "resv-1")
	if err != nil {
		t.Fatalf("GetReservation error: %v", err)
	}
	if r.Status != reservation.StatusReserved {
		t.Fatalf("status = %v, want %v", r.Status, reservation.StatusReserved)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	if inv.Level("sku-1") != 2 {
		t.Fatalf("stock level = %d, want 2", inv.Level("sku-1"))
	}
	if msg := store.lastMessage(t); msg.Name != contracts.StockReserved {
		t.Fatalf("message = %q, want %q", msg.Name, contracts.StockReserved)
	}

	// Redelivered command is a no-op: one outcome per reservation stream.
	if err := svc.Reserve(context.Background(), "resv-1", "order-1", "sku-1", 3, "cause-1"); err != nil {
		t.Fatalf("redelivered Reserve error: %v", err)
	}
	if inv.Level("sku-1") != 2 {
		t.Fatalf("stock level after redelivery = %d, want 2", inv.Level("sku-1"))
	}
}

func TestReserveConflictReportsShortfall(t *testing.T) {
	svc, store, inv := newTestService(t, map[string]int{"sku-1": 1})

	if err := svc.Reserve(context.Background(), "resv-1", "order-1", "sku-1", 3, "cause-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	r, _, err := svc.GetReservation(context.Background(), "resv-1")
	if err != nil {
		t.Fatalf("GetReservation error: %v", err)
	}
	if r.Status != reservation.StatusConflicted {
		t.Fatalf("status = %v, want %v", r.Status, reservation.StatusConflicted)
	}
	if inv.Level("sku-1") != 1 {
		t.Fatalf("stock level = %d, want 1 (untouched)", inv.Level("sku-1"))
	}

	msg := store.lastMessage(t)
	if msg.Name != contracts.StockConflict {
		t.Fatalf("message = %q, want %q", msg.Name, contracts.StockConflict)
	}
	payload, err := contracts.Decode[contracts.StockConflictPayload](msg)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if payload.Available != 1 {
		t.Fatalf("available = %d, want 1", payload.Available)
	}
}

func TestReleaseReturnsStockOnce(t *testing.T) {
	svc, store, inv := newTestService(t, map[string]int{"sku-1": 5})
	if err := svc.Reserve(context.Background(), "resv-1", "order-1", "sku-1", 3, "cause-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if err := svc.Release(context.Background(), "resv-1", "cause-2"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if inv.Level("sku-1") != 5 {
		t.Fatalf("stock level = %d, want 5", inv.Level("sku-1"))
	}
	if msg := store.lastMessage(t); msg.Name != contracts.StockReleased {
		t.Fatalf("message = %q, want %q", msg.Name, contracts.StockReleased)
	}

	// Compensation commands are redelivered at least once; a second release
	// must not inflate stock.
	if err := svc.Release(context.Background(), "resv-1", "cause-2"); err != nil {
		t.Fatalf("redelivered Release error: %v", err)
	}
	if inv.Level("sku-1") != 5 {
		t.Fatalf("stock level after redelivery = %d, want 5", inv.Level("sku-1"))
	}
}

func TestReleaseUnknownReservation(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]int{"sku-1": 5})
	err := svc.Release(context.Background(), "resv-missing", "cause-1")
	if !errors.Is(err, apperrors.New(apperrors.CodeReservationNotFound, "")) {
		t.Fatalf("err = %v, want %v", err, apperrors.CodeReservationNotFound)
	}
}

func TestDispatchRequiresActiveReservation(t *testing.T) {
	svc, store, _ := newTestService(t, map[string]int{"sku-1": 5})
	if err := svc.Reserve(context.Background(), "resv-1", "order-1", "sku-1", 3, "cause-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}

	if err := svc.Dispatch(context.Background(), "ship-1", "order-1", "resv-1", "cause-2"); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	sh, _, err := svc.GetShipment(context.Background(), "ship-1")
	if err != nil {
		t.Fatalf("GetShipment error: %v", err)
	}
	if sh.Status != shipment.StatusDispatched {
		t.Fatalf("status = %v, want %v", sh.Status, shipment.StatusDispatched)
	}
	if msg := store.lastMessage(t); msg.Name != contracts.ShipmentDispatched {
		t.Fatalf("message = %q, want %q", msg.Name, contracts.ShipmentDispatched)
	}

	// Dispatch against a released reservation is refused.
	if err := svc.Release(context.Background(), "resv-1", "cause-3"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	err = svc.Dispatch(context.Background(), "ship-2", "order-1", "resv-1", "cause-4")
	if !errors.Is(err, apperrors.New(apperrors.CodeReservationWrongStatus, "")) {
		t.Fatalf("err = %v, want %v", err, apperrors.CodeReservationWrongStatus)
	}
}

func TestDeliverConfirmsDispatchedShipment(t *testing.T) {
	svc, store, _ := newTestService(t, map[string]int{"sku-1": 5})
	if err := svc.Reserve(context.Background(), "resv-1", "order-1", "sku-1", 3, "cause-1"); err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if err := svc.Dispatch(context.Background(), "ship-1", "order-1", "resv-1", "cause-2"); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}

	if err := svc.Deliver(context.Background(), "ship-1", "carrier-123", "cause-3"); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	sh, _, err := svc.GetShipment(context.Background(), "ship-1")
	if err != nil {
		t.Fatalf("GetShipment error: %v", err)
	}
	if sh.Status != shipment.StatusDelivered {
		t.Fatalf("status = %v, want %v", sh.Status, shipment.StatusDelivered)
	}
	if sh.Confirmation != "carrier-123" {
		t.Fatalf("confirmation = %q, want %q", sh.Confirmation, "carrier-123")
	}
	if msg := store.lastMessage(t); msg.Name != contracts.ShipmentDelivered {
		t.Fatalf("message = %q, want %q", msg.Name, contracts.ShipmentDelivered)
	}

	// Delivery confirmations arrive at least once.
	if err := svc.Deliver(context.Background(), "ship-1", "carrier-123", "cause-3"); err != nil {
		t.Fatalf("redelivered Deliver error: %v", err)
	}
}

func TestRegisterHandlersDrivesCommands(t *testing.T) {
	svc, _, inv := newTestService(t, map[string]int{"sku-1": 5})
	bus := messaging.NewBus()
	svc.RegisterHandlers(bus)

	msg, err := contracts.NewMessage(contracts.ReserveStock, "resv-1", "order-1", contracts.ReserveStockPayload{
		SKU:      "sku-1",
		Quantity: 2,
	})
	if err != nil {
		t.Fatalf("NewMessage error: %v", err)
	}
	if err := bus.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if inv.Level("sku-1") != 3 {
		t.Fatalf("stock level = %d, want 3", inv.Level("sku-1"))
	}
}
