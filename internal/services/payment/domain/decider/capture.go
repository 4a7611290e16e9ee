package decider

import (
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
	"github.com/meridianpay/meridian/internal/platform/money"
	"github.com/meridianpay/meridian/internal/services/payment/domain/command"
	"github.com/meridianpay/meridian/internal/services/payment/domain/event"
	"github.com/meridianpay/meridian/internal/services/payment/domain/payment"
	"github.com/meridianpay/meridian/internal/services/payment/gateway"
)

// CheckCapture validates a capture command against current state. A non-nil
// decision is a rejection; the gateway must not be called.
func CheckCapture(p payment.Payment, cmd command.Capture, now time.Time) *command.Decision {
	if err := cmd.Validate(); err != nil {
		return rejectionFrom(err)
	}
	if !p.Exists() {
		d := command.Reject(apperrors.CodePaymentNotFound,
			fmt.Sprintf("payment %s not found", cmd.PaymentID))
		return &d
	}
	if p.Status != payment.StatusAuthorized {
		d := command.Reject(apperrors.CodePaymentWrongStatus,
			fmt.Sprintf("cannot capture payment in status %q", p.Status))
		return &d
	}
	if p.AuthorizationExpired(now) {
		d := command.Reject(apperrors.CodePaymentAuthorizationExpired,
			fmt.Sprintf("authorization %s expired at %s", p.AuthorizationID, p.AuthorizationExpiresAt.Format(time.RFC3339)))
		return &d
	}
	if _, err := cmd.Amount.Min(p.Amount); err != nil {
		return rejectionFrom(err)
	}
	return nil
}

// CaptureAmount is the amount actually sent to the gateway: the requested
// amount capped at the authorized amount.
func CaptureAmount(p payment.Payment, cmd command.Capture) (money.Amount, error) {
	return cmd.Amount.Min(p.Amount)
}

// DecideCapture folds the gateway's capture result into events and outcome
// messages. A failed capture leaves the authorization intact, so the command
// can be retried while the hold lives.
func DecideCapture(p payment.Payment, cmd command.Capture, causationID string, result gateway.Result, now time.Time) (command.Decision, error) {
	if !result.Success {
		failed, err := event.New(cmd.PaymentID, event.TypeFailed, cmd.CorrelationID, causationID, now, event.FailedPayload{
			Stage:     event.StageCapture,
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
		return command.Accept([]eventlog.Event{failed}, []messaging.Message{msg}), nil
	}

	amount, err := CaptureAmount(p, cmd)
	if err != nil {
		return command.Decision{}, err
	}
	captured, err := event.New(cmd.PaymentID, event.TypeCaptured, cmd.CorrelationID, causationID, now, event.CapturedPayload{
		Amount:     amount,
		CaptureRef: result.Reference,
	})
	if err != nil {
		return command.Decision{}, err
	}
	msg, err := contracts.NewMessage(contracts.PaymentCaptured, cmd.PaymentID, cmd.CorrelationID, contracts.PaymentCapturedPayload{
		Amount: amount,
	})
	if err != nil {
		return command.Decision{}, err
	}
	return command.Accept([]eventlog.Event{captured}, []messaging.Message{msg}), nil
}
