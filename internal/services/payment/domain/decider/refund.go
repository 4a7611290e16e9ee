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

// CheckRefund validates a refund command against current state, including the
// refund ceiling: cumulative refunds may never exceed the captured amount.
// The ceiling is enforced here, before any gateway call. A non-nil decision
// is a rejection.
func CheckRefund(p payment.Payment, cmd command.Refund) *command.Decision {
	if err := cmd.Validate(); err != nil {
		return rejectionFrom(err)
	}
	if !p.Exists() {
		d := command.Reject(apperrors.CodePaymentNotFound,
			fmt.Sprintf("payment %s not found", cmd.PaymentID))
		return &d
	}
	if p.Status != payment.StatusCaptured {
		d := command.Reject(apperrors.CodePaymentWrongStatus,
			fmt.Sprintf("cannot refund payment in status %q", p.Status))
		return &d
	}
	refundable, err := p.Refundable()
	if err != nil {
		return rejectionFrom(err)
	}
	over, err := cmd.Amount.GreaterThan(refundable)
	if err != nil {
		return rejectionFrom(err)
	}
	if over {
		d := command.Reject(apperrors.CodePaymentRefundExceedsCeiling,
			fmt.Sprintf("refund %s exceeds refundable %s", cmd.Amount, refundable))
		return &d
	}
	return nil
}

// DecideRefund folds the gateway's refund result into events and outcome
// messages. A failed refund records no event: the payment state is unchanged
// and the command can be reissued.
func DecideRefund(p payment.Payment, cmd command.Refund, causationID string, result gateway.Result, now time.Time) (command.Decision, error) {
	if !result.Success {
		msg, err := contracts.NewMessage(contracts.RefundFailed, cmd.PaymentID, cmd.CorrelationID, contracts.RefundFailedPayload{
			Reason:    result.Reason,
			Retriable: result.Retriable,
		})
		if err != nil {
			return command.Decision{}, err
		}
		return command.Accept(nil, []messaging.Message{msg}), nil
	}

	refunded, err := event.New(cmd.PaymentID, event.TypeRefunded, cmd.CorrelationID, causationID, now, event.RefundedPayload{
		Amount:    cmd.Amount,
		RefundRef: result.Reference,
	})
	if err != nil {
		return command.Decision{}, err
	}
	total, err := p.TotalRefunded.Add(cmd.Amount)
	if err != nil {
		return command.Decision{}, err
	}
	msg, err := contracts.NewMessage(contracts.RefundCompleted, cmd.PaymentID, cmd.CorrelationID, contracts.RefundCompletedPayload{
		Amount:        cmd.Amount,
		TotalRefunded: total,
	})
	if err != nil {
		return command.Decision{}, err
	}
	return command.Accept([]eventlog.Event{refunded}, []messaging.Message{msg}), nil
}
