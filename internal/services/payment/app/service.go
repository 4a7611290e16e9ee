// Package app coordinates payment command handling: it loads the aggregate
// from the event log, runs the pure checks, performs the single gateway call,
// and appends the decided events with an optimistic version check. Commands
// for the same payment are serialized in-process so the stream has one writer
// at a time.
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
	"github.com/meridianpay/meridian/internal/services/payment/domain/command"
	"github.com/meridianpay/meridian/internal/services/payment/domain/decider"
	"github.com/meridianpay/meridian/internal/services/payment/domain/payment"
	"github.com/meridianpay/meridian/internal/services/payment/gateway"
)

// maxAppendAttempts bounds reload-and-retry on version conflicts when another
// process raced an append on the same stream.
const maxAppendAttempts = 3

// Service handles payment commands against the event log and the gateway.
type Service struct {
	store   eventlog.Store
	gateway gateway.Gateway
	clock   func() time.Time

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

// NewService returns a payment service backed by the given store and gateway.
func NewService(store eventlog.Store, gw gateway.Gateway, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if gw == nil {
		return nil, errors.New("gateway is required")
	}
	s := &Service{
		store:   store,
		gateway: gw,
		clock:   func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// streamLock returns the mutex serializing writers for one payment stream.
func (s *Service) streamLock(paymentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[paymentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[paymentID] = lock
	}
	return lock
}

// Get rebuilds the payment from its stream.
func (s *Service) Get(ctx context.Context, paymentID string) (payment.Payment, uint64, error) {
	projection, err := eventlog.Project(ctx, s.store, paymentID, payment.Payment{}, payment.Apply)
	if err != nil {
		return payment.Payment{}, 0, fmt.Errorf("project payment %s: %w", paymentID, err)
	}
	return projection.State, projection.LastVersion, nil
}

// Authorize handles an authorize command: one gateway call, then an append of
// the decided events and outcome message.
func (s *Service) Authorize(ctx context.Context, cmd command.Authorize, causationID string) (command.Decision, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.authorize")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", cmd.PaymentID))

	lock := s.streamLock(cmd.PaymentID)
	lock.Lock()
	defer lock.Unlock()

	p, version, err := s.Get(ctx, cmd.PaymentID)
	if err != nil {
		return command.Decision{}, err
	}
	if rejection := decider.CheckAuthorize(p, cmd); rejection != nil {
		return *rejection, nil
	}

	result, err := s.gateway.Authorize(ctx, gateway.AuthorizeRequest{
		PaymentID: cmd.PaymentID,
		Amount:    cmd.Amount,
		CardToken: cmd.CardToken,
	})
	if err != nil {
		return command.Decision{}, fmt.Errorf("gateway authorize %s: %w", cmd.PaymentID, err)
	}

	// On a conflict the stream was initiated by another writer while the
	// gateway call was in flight; CheckAuthorize against the fresh projection
	// rejects with AlreadyExists and this attempt's outcome is dropped.
	return s.commit(ctx, cmd.PaymentID, p, version,
		func(p payment.Payment) *command.Decision {
			return decider.CheckAuthorize(p, cmd)
		},
		func(payment.Payment) (command.Decision, error) {
			return decider.DecideAuthorize(cmd, causationID, result, s.clock())
		})
}

// Capture handles a capture command against an authorized payment.
func (s *Service) Capture(ctx context.Context, cmd command.Capture, causationID string) (command.Decision, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.capture")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", cmd.PaymentID))

	lock := s.streamLock(cmd.PaymentID)
	lock.Lock()
	defer lock.Unlock()

	p, version, err := s.Get(ctx, cmd.PaymentID)
	if err != nil {
		return command.Decision{}, err
	}
	if rejection := decider.CheckCapture(p, cmd, s.clock()); rejection != nil {
		return *rejection, nil
	}

	amount, err := decider.CaptureAmount(p, cmd)
	if err != nil {
		return command.Decision{}, err
	}
	result, err := s.gateway.Capture(ctx, gateway.CaptureRequest{
		PaymentID:       cmd.PaymentID,
		AuthorizationID: p.AuthorizationID,
		Amount:          amount,
	})
	if err != nil {
		return command.Decision{}, fmt.Errorf("gateway capture %s: %w", cmd.PaymentID, err)
	}

	return s.commit(ctx, cmd.PaymentID, p, version,
		func(p payment.Payment) *command.Decision {
			return decider.CheckCapture(p, cmd, s.clock())
		},
		func(p payment.Payment) (command.Decision, error) {
			return decider.DecideCapture(p, cmd, causationID, result, s.clock())
		})
}

// Refund handles a refund command against a captured payment.
func (s *Service) Refund(ctx context.Context, cmd command.Refund, causationID string) (command.Decision, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.refund")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", cmd.PaymentID))

	lock := s.streamLock(cmd.PaymentID)
	lock.Lock()
	defer lock.Unlock()

	p, version, err := s.Get(ctx, cmd.PaymentID)
	if err != nil {
		return command.Decision{}, err
	}
	if rejection := decider.CheckRefund(p, cmd); rejection != nil {
		return *rejection, nil
	}

	result, err := s.gateway.Refund(ctx, gateway.RefundRequest{
		PaymentID:  cmd.PaymentID,
		CaptureRef: p.CaptureRef,
		Amount:     cmd.Amount,
	})
	if err != nil {
		return command.Decision{}, fmt.Errorf("gateway refund %s: %w", cmd.PaymentID, err)
	}

	return s.commit(ctx, cmd.PaymentID, p, version,
		func(p payment.Payment) *command.Decision {
			return decider.CheckRefund(p, cmd)
		},
		func(p payment.Payment) (command.Decision, error) {
			return decider.DecideRefund(p, cmd, causationID, result, s.clock())
		})
}

// commit folds the classified gateway result into events and appends them at
// the projected version. A version conflict means another writer advanced the
// stream while the gateway call was in flight: the stream is re-projected and
// the pure check re-run against fresh state before deciding again. The
// gateway call is never repeated; if the command no longer applies the
// rejection is returned and this attempt's result is dropped. Replaying a
// stale decision at a newer version would record an outcome the fresh state
// forbids and poison every later projection of the stream.
func (s *Service) commit(ctx context.Context, streamID string, p payment.Payment, version uint64,
	check func(payment.Payment) *command.Decision,
	decide func(payment.Payment) (command.Decision, error),
) (command.Decision, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		if attempt > 0 {
			var err error
			p, version, err = s.Get(ctx, streamID)
			if err != nil {
				return command.Decision{}, err
			}
			if rejection := check(p); rejection != nil {
				return *rejection, nil
			}
		}
		decision, err := decide(p)
		if err != nil {
			return command.Decision{}, err
		}
		if _, err := s.store.Append(ctx, streamID, version, decision.Events, decision.Messages); err != nil {
			if !errors.Is(err, eventlog.ErrVersionConflict) {
				return command.Decision{}, fmt.Errorf("append to %s: %w", streamID, err)
			}
			lastErr = err
			continue
		}
		return decision, nil
	}
	return command.Decision{}, fmt.Errorf("append to %s: %w", streamID, lastErr)
}

// RegisterHandlers subscribes the service to its command messages. Domain
// rejections are logged and acknowledged rather than redelivered: a command
// the deciders refuse cannot succeed by retrying, and a redelivered duplicate
// must not produce a second gateway call or a second set of events.
func (s *Service) RegisterHandlers(bus *messaging.Bus) {
	bus.Subscribe(contracts.AuthorizePayment, func(ctx context.Context, msg messaging.Message) error {
		payload, err := contracts.Decode[contracts.AuthorizePaymentPayload](msg)
		if err != nil {
			return err
		}
		cmd := command.Authorize{
			PaymentID:     msg.EntityID,
			CorrelationID: msg.CorrelationID,
			Amount:        payload.Amount,
			CardToken:     payload.CardToken,
		}
		decision, err := s.Authorize(ctx, cmd, msg.ID)
		return ackRejection("AuthorizePayment", msg, decision, err)
	})
	bus.Subscribe(contracts.CapturePayment, func(ctx context.Context, msg messaging.Message) error {
		payload, err := contracts.Decode[contracts.CapturePaymentPayload](msg)
		if err != nil {
			return err
		}
		cmd := command.Capture{
			PaymentID:     msg.EntityID,
			CorrelationID: msg.CorrelationID,
			Amount:        payload.Amount,
		}
		decision, err := s.Capture(ctx, cmd, msg.ID)
		return ackRejection("CapturePayment", msg, decision, err)
	})
	bus.Subscribe(contracts.RefundPayment, func(ctx context.Context, msg messaging.Message) error {
		payload, err := contracts.Decode[contracts.RefundPaymentPayload](msg)
		if err != nil {
			return err
		}
		cmd := command.Refund{
			PaymentID:     msg.EntityID,
			CorrelationID: msg.CorrelationID,
			Amount:        payload.Amount,
		}
		decision, err := s.Refund(ctx, cmd, msg.ID)
		return ackRejection("RefundPayment", msg, decision, err)
	})
}

func ackRejection(name string, msg messaging.Message, decision command.Decision, err error) error {
	if err != nil {
		return err
	}
	if decision.Rejected() {
		log.Printf("payment: %s %s rejected: %s (%s)",
			name, msg.EntityID, decision.Rejection.Message, decision.Rejection.Code)
	}
	return nil
}
