// Package command defines the payment intents and the decision type deciders
// produce. Commands are structurally validated before any decider runs; all
// status and monetary-ceiling checks live in the deciders themselves.
package command

import (
	"strings"

	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
	"github.com/meridianpay/meridian/internal/platform/money"
)

// Authorize asks for a new payment with a fresh authorization hold.
type Authorize struct {
	PaymentID     string
	CorrelationID string
	Amount        money.Amount
	CardToken     string
}

// Validate checks structural requirements only.
func (c Authorize) Validate() error {
	if err := requireIDs(c.PaymentID, c.CorrelationID); err != nil {
		return err
	}
	return requirePositive(c.Amount)
}

// Capture asks to capture an authorized payment.
type Capture struct {
	PaymentID     string
	CorrelationID string
	Amount        money.Amount
}

// Validate checks structural requirements only.
func (c Capture) Validate() error {
	if err := requireIDs(c.PaymentID, c.CorrelationID); err != nil {
		return err
	}
	return requirePositive(c.Amount)
}

// Refund asks to refund part or all of a captured payment.
type Refund struct {
	PaymentID     string
	CorrelationID string
	Amount        money.Amount
}

// Validate checks structural requirements only.
func (c Refund) Validate() error {
	if err := requireIDs(c.PaymentID, c.CorrelationID); err != nil {
		return err
	}
	return requirePositive(c.Amount)
}

func requireIDs(paymentID, correlationID string) error {
	if strings.TrimSpace(paymentID) == "" {
		return apperrors.New(apperrors.CodeValidationEmptyEntityID, "payment id is required")
	}
	if strings.TrimSpace(correlationID) == "" {
		return apperrors.New(apperrors.CodeValidationEmptyCorrelationID, "correlation id is required")
	}
	return nil
}

func requirePositive(amount money.Amount) error {
	if strings.TrimSpace(amount.Currency) == "" {
		return apperrors.New(apperrors.CodeValidationInvalidCurrency, "currency is required")
	}
	if !amount.IsPositive() {
		return apperrors.New(apperrors.CodeValidationAmountNotPositive, "amount must be positive")
	}
	return nil
}
