// Package money represents monetary amounts as fixed-point values in the
// minor units of an ISO 4217 currency. Floating point is never used.
package money

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"

	apperrors "github.com/meridianpay/meridian/internal/platform/errors"
)

// ErrCurrencyMismatch indicates arithmetic across two different currencies.
var ErrCurrencyMismatch = apperrors.New(apperrors.CodeMoneyCurrencyMismatch, "currency mismatch")

// Amount is a fixed-point monetary value in minor units of its currency.
type Amount struct {
	MinorUnits int64  `json:"minor_units"`
	Currency   string `json:"currency"`
}

// New validates the ISO currency code and returns an amount in minor units.
func New(minorUnits int64, code string) (Amount, error) {
	normalized, err := normalizeCurrency(code)
	if err != nil {
		return Amount{}, err
	}
	return Amount{MinorUnits: minorUnits, Currency: normalized}, nil
}

// MustNew returns an amount or panics on an invalid currency code.
// Intended for tests and static wiring only.
func MustNew(minorUnits int64, code string) Amount {
	a, err := New(minorUnits, code)
	if err != nil {
		panic(err)
	}
	return a
}

func normalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidationInvalidCurrency, fmt.Sprintf("invalid currency code %q", code), err)
	}
	return unit.String(), nil
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.MinorUnits == 0
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.MinorUnits > 0
}

// Add returns a + b. Both amounts must share a currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch
	}
	return Amount{MinorUnits: a.MinorUnits + b.MinorUnits, Currency: a.Currency}, nil
}

// Sub returns a - b. Both amounts must share a currency.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch
	}
	return Amount{MinorUnits: a.MinorUnits - b.MinorUnits, Currency: a.Currency}, nil
}

// Min returns the smaller of a and b. Both amounts must share a currency.
func (a Amount) Min(b Amount) (Amount, error) {
	if a.Currency != b.Currency {
		return Amount{}, ErrCurrencyMismatch
	}
	if b.MinorUnits < a.MinorUnits {
		return b, nil
	}
	return a, nil
}

// GreaterThan reports whether a > b. Both amounts must share a currency.
func (a Amount) GreaterThan(b Amount) (bool, error) {
	if a.Currency != b.Currency {
		return false, ErrCurrencyMismatch
	}
	return a.MinorUnits > b.MinorUnits, nil
}

// String renders the amount with the currency's standard scale, e.g. "10.00 USD".
func (a Amount) String() string {
	unit, err := currency.ParseISO(a.Currency)
	if err != nil {
		return fmt.Sprintf("%d %s", a.MinorUnits, a.Currency)
	}
	scale, _ := currency.Standard.Rounding(unit)
	if scale == 0 {
		return fmt.Sprintf("%d %s", a.MinorUnits, a.Currency)
	}
	divisor := int64(1)
	for range scale {
		divisor *= 10
	}
	sign := ""
	value := a.MinorUnits
	if value < 0 {
		sign = "-"
		value = -value
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, value/divisor, scale, value%divisor, a.Currency)
}
