package saga

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
	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/platform/id"
)

// Orchestrator drives order sagas from delivered outcome messages.
type Orchestrator struct {
	store Store
	newID func() (string, error)
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the orchestrator clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithIDs overrides fresh-id generation.
func WithIDs(newID func() (string, error)) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// NewOrchestrator returns an orchestrator over the given saga store.
func NewOrchestrator(store Store, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("saga store is required")
	}
	o := &Orchestrator{
		store: store,
		newID: id.NewID,
		clock: func() time.Time { return time.Now().UTC() },
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) sagaLock(sagaID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[sagaID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sagaID] = lock
	}
	return lock
}

// Handle applies one delivered message to its saga. Unknown, stale and
// already-handled outcomes are acknowledged without a state change; version
// conflicts are returned so delivery retries against fresh state.
func (o *Orchestrator) Handle(ctx context.Context, msg messaging.Message) error {
	ctx, span := otel.Tracer("saga").Start(ctx, "saga.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", msg.CorrelationID),
		attribute.String("saga.outcome", msg.Name),
	)

	sagaID := msg.CorrelationID
	lock := o.sagaLock(sagaID)
	lock.Lock()
	defer lock.Unlock()

	if msg.Name == contracts.OrderPlaced {
		return o.place(ctx, msg)
	}

	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("saga: %s for unknown saga %s ignored", msg.Name, sagaID)
			return nil
		}
		return err
	}
	if state.Status.Terminal() {
		return nil
	}
	handled, err := o.store.Handled(ctx, sagaID, msg.ID)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}

	fn, ok := transitions[transitionKey{status: state.Status, outcome: msg.Name}]
	if !ok {
		log.Printf("saga: %s ignored in status %s (saga %s)", msg.Name, state.Status, sagaID)
		return nil
	}
	next, commands, err := fn(o, state, msg)
	if err != nil {
		return fmt.Errorf("transition %s in %s: %w", msg.Name, state.Status, err)
	}
	next.UpdatedAt = o.clock()
	if err := o.store.Save(ctx, next, state.Version, msg.ID, commands); err != nil {
		return fmt.Errorf("save saga %s: %w", sagaID, err)
	}
	if next.Status != state.Status {
		log.Printf("saga: %s %s -> %s on %s", sagaID, state.Status, next.Status, msg.Name)
	}
	return nil
}

// place creates the saga for a new order and issues the first authorize
// command. A redelivered OrderPlaced for an existing saga is a no-op.
func (o *Orchestrator) place(ctx context.Context, msg messaging.Message) error {
	sagaID := msg.CorrelationID
	if _, err := o.store.Get(ctx, sagaID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	payload, err := contracts.Decode[contracts.OrderPlacedPayload](msg)
	if err != nil {
		return err
	}
	state := State{
		ID:        sagaID,
		Status:    StatusPlaced,
		Amount:    payload.Amount,
		CardToken: payload.CardToken,
		SKU:       payload.SKU,
		Quantity:  payload.Quantity,
		UpdatedAt: o.clock(),
	}
	authorize, err := authorizeCommand(o, &state)
	if err != nil {
		return err
	}
	state.Status = StatusPendingPayment
	if err := o.store.Save(ctx, state, 0, msg.ID, []messaging.Message{authorize}); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// Lost the create race to another delivery of the same order.
			return nil
		}
		return fmt.Errorf("create saga %s: %w", sagaID, err)
	}
	log.Printf("saga: %s placed -> pending_payment", sagaID)
	return nil
}

// RegisterHandlers subscribes the orchestrator to every outcome and order
// input it reacts to.
func (o *Orchestrator) RegisterHandlers(bus *messaging.Bus) {
	for _, name := range []string{
		contracts.OrderPlaced,
		contracts.OrderCancelRequested,
		contracts.OrderHoldResolved,
		contracts.OrderHoldAbandoned,
		contracts.ReturnRequested,
		contracts.PaymentAuthorized,
		contracts.PaymentCaptured,
		contracts.PaymentFailed,
		contracts.RefundCompleted,
		contracts.RefundFailed,
		contracts.StockReserved,
		contracts.StockConflict,
		contracts.StockReleased,
		contracts.ShipmentDispatched,
		contracts.ShipmentDelivered,
	} {
		bus.Subscribe(name, o.Handle)
	}
}
