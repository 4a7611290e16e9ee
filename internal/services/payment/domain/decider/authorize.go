// Package decider holds the pure decision logic for payment commands. Each
// operation splits in two: a Check function that validates the command
// against current state before any gateway call, and a Decide function that
// folds the classified gateway result into events and outcome messages.
// Neither touches IO, so every decision is replayable in tests.
package decider

import (
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
	"github.com/meridianpay/meridian/internal/services/payment/domain/command"
	"github.com/meridianpay/meridian/internal/services/payment/domain/event"
	"github.com/meridianpay/meridian/internal/services/payment/domain/payment"
	"github.com/meridianpay/meridian/internal/services/payment/gateway"
)

// HoldWindow is how long an authorization holds funds before it lapses.
const HoldWindow = 7 * 24 * time.Hour

// CheckAuthorize validates an authorize command against current state. A
// non-nil decision is a rejection; the gateway must not be called.
func CheckAuthorize(p payment.Payment, cmd command.Authorize) *command.Decision {
	if err := cmd.Validate(); err != nil {
		return rejectionFrom(err)
	}
	if p.Exists() {
		d := command.Reject(apperrors.CodePaymentAlreadyExists,
			fmt.Sprintf("payment %s already exists", cmd.PaymentID))
		return &d
	}
	return nil
}

// DecideAuthorize folds the gateway's authorization result into events and
// outcome messages. The payment is always initiated first so failed attempts
// leave an audit trail on the stream.
func DecideAuthorize(cmd command.Authorize, causationID string, result gateway.Result, now time.Time) (command.Decision, error) {
	initiated, err := event.New(cmd.PaymentID, event.TypeInitiated, cmd.CorrelationID, causationID, now, event.InitiatedPayload{
		Amount:    cmd.Amount,
		CardToken: cmd.CardToken,
	})
	if err != nil {
		return command.Decision{}, err
	}

	if !result.Success {
		failed, err := event.New(cmd.PaymentID, event.TypeFailed, cmd.CorrelationID, causationID, now, event.FailedPayload{
			Stage:     event.StageAuthorization,
			Reason:    result.Reason,
			Retriable: result.Retriable,
		})
		if err != nil {
			return command.Decision{}, err
		}
		msg, err := contracts.NewMessage(contracts.PaymentFailed, cmd.PaymentID, cmd.CorrelationID, contracts.PaymentFailedPayload{
			Reason:    result.Reason,
			Retriable: result.Retriable,
		})
		if err != nil {
			return command.Decision{}, err
		}
		return command.Accept([]eventlog.Event{initiated, failed}, []messaging.Message{msg}), nil
	}

	expiresAt := now.UTC().Add(HoldWindow)
	authorized, err := event.New(cmd.PaymentID, event.TypeAuthorized, cmd.CorrelationID, causationID, now, event.AuthorizedPayload{
		AuthorizationID: result.Reference,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		return command.Decision{}, err
	}
	msg, err := contracts.NewMessage(contracts.PaymentAuthorized, cmd.PaymentID, cmd.CorrelationID, contracts.PaymentAuthorizedPayload{
		Amount:          cmd.Amount,
		AuthorizationID: result.Reference,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		return command.Decision{}, err
	}
	return command.Accept([]eventlog.Event{initiated, authorized}, []messaging.Message{msg}), nil
}

func rejectionFrom(err error) *command.Decision {
	d := command.Reject(apperrors.CodeOf(err), err.Error())
	return &d
}
