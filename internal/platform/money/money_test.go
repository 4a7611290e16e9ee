package money

import (
	"errors"
	"testing"
)

func TestNewValidatesCurrency(t *testing.T) {
	a, err := New(10000, "usd")
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if a.Currency != "USD" {
		t.Fatalf("Currency = %q, want %q", a.Currency, "USD")
	}
	if a.MinorUnits != 10000 {
		t.Fatalf("MinorUnits = %d, want 10000", a.MinorUnits)
	}

	if _, err := New(100, "NOPE"); err == nil {
		t.Fatal("expected error for invalid currency code")
	}
}

func TestArithmeticRequiresSameCurrency(t *testing.T) {
	usd := MustNew(100, "USD")
	eur := MustNew(100, "EUR")

	if _, err := usd.Add(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Add error = %v, want ErrCurrencyMismatch", err)
	}
	if _, err := usd.Sub(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Sub error = %v, want ErrCurrencyMismatch", err)
	}
	if _, err := usd.Min(eur); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("Min error = %v, want ErrCurrencyMismatch", err)
	}
}

func TestArithmetic(t *testing.T) {
	a := MustNew(10000, "USD")
	b := MustNew(6000, "USD")

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if sum.MinorUnits != 16000 {
		t.Fatalf("Add = %d, want 16000", sum.MinorUnits)
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub returned error: %v", err)
	}
	if diff.MinorUnits != 4000 {
		t.Fatalf("Sub = %d, want 4000", diff.MinorUnits)
	}

	low, err := a.Min(b)
	if err != nil {
		t.Fatalf("Min returned error: %v", err)
	}
	if low.MinorUnits != 6000 {
		t.Fatalf("Min = %d, want 6000", low.MinorUnits)
	}

	over, err := a.GreaterThan(b)
	if err != nil {
		t.Fatalf("GreaterThan returned error: %v", err)
	}
	if !over {
		t.Fatal("expected 10000 > 6000")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		amount Amount
		want   string
	}{
		{MustNew(10000, "USD"), "100.00 USD"},
		{MustNew(105, "USD"), "1.05 USD"},
		{MustNew(500, "JPY"), "500 JPY"},
		{MustNew(-250, "EUR"), "-2.50 EUR"},
	}
	for _, tt := range tests {
		if got := tt.amount.String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}
