// Package app coordinates fulfillment command handling for stock
// reservations and shipments. Each entity has its own stream; commands for
// the same stream are serialized in-process and appended with an optimistic
// version check.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/event"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/reservation"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/shipment"
	"github.com/meridianpay/meridian/internal/services/fulfillment/inventory"
)

// Service handles reservation and shipment commands.
type Service struct {
	store     eventlog.Store
	inventory inventory.Inventory
	clock     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService returns a fulfillment service backed by the given store and
// inventory.
func NewService(store eventlog.Store, inv inventory.Inventory, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if inv == nil {
		return nil, errors.New("inventory is required")
	}
	s := &Service{
		store:     store,
		inventory: inv,
		clock:     func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) streamLock(streamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[streamID] = lock
	}
	return lock
}

// GetReservation rebuilds a reservation from its stream.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (reservation.Reservation, uint64, error) {
	projection, err := eventlog.Project(ctx, s.store, reservationID, reservation.Reservation{}, reservation.Apply)
	if err != nil {
		return reservation.Reservation{}, 0, fmt.Errorf("project reservation %s: %w", reservationID, err)
	}
	return projection.State, projection.LastVersion, nil
}

// GetShipment rebuilds a shipment from its stream.
func (s *Service) GetShipment(ctx context.Context, shipmentID string) (shipment.Shipment, uint64, error) {
	projection, err := eventlog.Project(ctx, s.store, shipmentID, shipment.Shipment{}, shipment.Apply)
	if err != nil {
		return shipment.Shipment{}, 0, fmt.Errorf("project shipment %s: %w", shipmentID, err)
	}
	return projection.State, projection.LastVersion, nil
}

// Reserve attempts to hold stock for an order. The hold outcome, success or
// conflict, is recorded on the reservation stream and reported to the saga.
// A reservation stream that already has an outcome is left untouched.
func (s *Service) Reserve(ctx context.Context, reservationID, correlationID, sku string, quantity int, causationID string) error {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "fulfillment.reserve")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	lock := s.streamLock(reservationID)
	lock.Lock()
	defer lock.Unlock()

	current, version, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if current.Exists() {
		return nil
	}

	ok, available, err := s.inventory.Reserve(ctx, sku, quantity)
	if err != nil {
		return fmt.Errorf("reserve inventory %s: %w", sku, err)
	}

	now := s.clock()
	if !ok {
		conflict, err := event.New(reservationID, event.TypeConflict, correlationID, causationID, now, event.ConflictPayload{
			SKU:       sku,
			Quantity:  quantity,
			Available: available,
		})
		if err != nil {
			return err
		}
		msg, err := contracts.NewMessage(contracts.StockConflict, reservationID, correlationID, contracts.StockConflictPayload{
			SKU:       sku,
			Quantity:  quantity,
			Available: available,
		})
		if err != nil {
			return err
		}
		return s.append(ctx, reservationID, version, []eventlog.Event{conflict}, []messaging.Message{msg})
	}

	reserved, err := event.New(reservationID, event.TypeReserved, correlationID, causationID, now, event.ReservedPayload{
		SKU:      sku,
		Quantity: quantity,
	})
	if err != nil {
		return err
	}
	msg, err := contracts.NewMessage(contracts.StockReserved, reservationID, correlationID, contracts.StockReservedPayload{
		SKU:      sku,
		Quantity: quantity,
	})
	if err != nil {
		return err
	}
	if err := s.append(ctx, reservationID, version, []eventlog.Event{reserved}, []messaging.Message{msg}); err != nil {
		// The hold is already taken from inventory; a failed append must give
		// it back so stock is not leaked.
		if releaseErr := s.inventory.Release(ctx, sku, quantity); releaseErr != nil {
			return errors.Join(err, releaseErr)
		}
		return err
	}
	return nil
}

// Release returns a held reservation to inventory. Releasing a reservation
// that holds nothing (conflicted, already released) is a no-op so compensation
// commands can be redelivered safely.
func (s *Service) Release(ctx context.Context, reservationID, causationID string) error {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "fulfillment.release")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	lock := s.streamLock(reservationID)
	lock.Lock()
	defer lock.Unlock()

	current, version, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !current.Exists() {
		return apperrors.New(apperrors.CodeReservationNotFound,
			fmt.Sprintf("reservation %s not found", reservationID))
	}
	if !current.Active() {
		return nil
	}

	released, err := event.New(reservationID, event.TypeReleased, current.CorrelationID, causationID, s.clock(), event.ReleasedPayload{
		SKU:      current.SKU,
		Quantity: current.Quantity,
	})
	if err != nil {
		return err
	}
	msg, err := contracts.NewMessage(contracts.StockReleased, reservationID, current.CorrelationID, contracts.StockReleasedPayload{
		SKU:      current.SKU,
		Quantity: current.Quantity,
	})
	if err != nil {
		return err
	}
	if err := s.append(ctx, reservationID, version, []eventlog.Event{released}, []messaging.Message{msg}); err != nil {
		return err
	}
	if err := s.inventory.Release(ctx, current.SKU, current.Quantity); err != nil {
		return fmt.Errorf("release inventory %s: %w", current.SKU, err)
	}
	return nil
}

// Dispatch ships against an active reservation. A shipment stream that
// already exists is left untouched.
func (s *Service) Dispatch(ctx context.Context, shipmentID, correlationID, reservationID, causationID string) error {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "fulfillment.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("shipment.id", shipmentID))

	lock := s.streamLock(shipmentID)
	lock.Lock()
	defer lock.Unlock()

	current, version, err := s.GetShipment(ctx, shipmentID)
	if err != nil {
		return err
	}
	if current.Exists() {
		return nil
	}

	held, _, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !held.Active() {
		return apperrors.New(apperrors.CodeReservationWrongStatus,
			fmt.Sprintf("reservation %s is not active (%s)", reservationID, held.Status))
	}

	dispatched, err := event.New(shipmentID, event.TypeDispatched, correlationID, causationID, s.clock(), event.DispatchedPayload{
		ReservationID: reservationID,
	})
	if err != nil {
		return err
	}
	msg, err := contracts.NewMessage(contracts.ShipmentDispatched, shipmentID, correlationID, contracts.ShipmentDispatchedPayload{
		ReservationID: reservationID,
	})
	if err != nil {
		return err
	}
	return s.append(ctx, shipmentID, version, []eventlog.Event{dispatched}, []messaging.Message{msg})
}

// Deliver records the carrier's delivery confirmation for a dispatched
// shipment and reports it to the saga.
func (s *Service) Deliver(ctx context.Context, shipmentID, confirmation, causationID string) error {
	ctx, span := otel.Tracer("fulfillment").Start(ctx, "fulfillment.deliver")
	defer span.End()
	span.SetAttributes(attribute.String("shipment.id", shipmentID))

	lock := s.streamLock(shipmentID)
	lock.Lock()
	defer lock.Unlock()

	current, version, err := s.GetShipment(ctx, shipmentID)
	if err != nil {
		return err
	}
	if !current.Exists() {
		return apperrors.New(apperrors.CodeShipmentNotFound,
			fmt.Sprintf("shipment %s not found", shipmentID))
	}
	if current.Status == shipment.StatusDelivered {
		return nil
	}

	delivered, err := event.New(shipmentID, event.TypeDelivered, current.CorrelationID, causationID, s.clock(), event.DeliveredPayload{
		Confirmation: confirmation,
	})
	if err != nil {
		return err
	}
	msg, err := contracts.NewMessage(contracts.ShipmentDelivered, shipmentID, current.CorrelationID, contracts.ShipmentDeliveredPayload{
		Confirmation: confirmation,
	})
	if err != nil {
		return err
	}
	return s.append(ctx, shipmentID, version, []eventlog.Event{delivered}, []messaging.Message{msg})
}

func (s *Service) append(ctx context.Context, streamID string, expectedVersion uint64, events []eventlog.Event, messages []messaging.Message) error {
	if _, err := s.store.Append(ctx, streamID, expectedVersion, events, messages); err != nil {
		return fmt.Errorf("append to %s: %w", streamID, err)
	}
	return nil
}

// RegisterHandlers subscribes the service to its command messages. Domain
// rejections are logged and acknowledged so redelivered duplicates settle
// instead of looping.
func (s *Service) RegisterHandlers(bus *messaging.Bus) {
	bus.Subscribe(contracts.ReserveStock, func(ctx context.Context, msg messaging.Message) error {
		payload, err := contracts.Decode[contracts.ReserveStockPayload](msg)
		if err != nil {
			return err
		}
		return ackRejection("ReserveStock", msg,
			s.Reserve(ctx, msg.EntityID, msg.CorrelationID, payload.SKU, payload.Quantity, msg.ID))
	})
	bus.Subscribe(contracts.ReleaseStock, func(ctx context.Context, msg messaging.Message) error {
		return ackRejection("ReleaseStock", msg, s.Release(ctx, msg.EntityID, msg.ID))
	})
	bus.Subscribe(contracts.DispatchShipment, func(ctx context.Context, msg messaging.Message) error {
		payload, err := contracts.Decode[contracts.DispatchShipmentPayload](msg)
		if err != nil {
			return err
		}
		return ackRejection("DispatchShipment", msg,
			s.Dispatch(ctx, msg.EntityID, msg.CorrelationID, payload.ReservationID, msg.ID))
	})
}

// ackRejection swallows domain rejections: a command the service refuses
// cannot succeed by redelivery.
func ackRejection(name string, msg messaging.Message, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		log.Printf("fulfillment: %s %s rejected: %s (%s)", name, msg.EntityID, appErr.Message, appErr.Code)
		return nil
	}
	return err
}
