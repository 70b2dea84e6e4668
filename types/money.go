// Package types provides the value types shared across the lending core.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency codes handled by the lending core.
const (
	CurrencyUSD = "usd"
	CurrencyBTC = "btc"
)

// SatsPerBTC is the number of satoshis in one bitcoin.
const SatsPerBTC int64 = 100_000_000

// Money represents an amount in the smallest unit of its currency.
// All arithmetic is integer-only: cents for USD, satoshis for BTC.
//
// Examples:
//   - USD(4900) = $49.00
//   - BTC(1_000_000) = ₿0.01000000
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents, satoshis)
	Currency string `json:"currency"` // lowercase code: "usd", "btc"
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: CurrencyUSD} }

// BTC creates a Money value in bitcoin (satoshis).
func BTC(sats int64) Money { return Money{Amount: sats, Currency: CurrencyBTC} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// Arithmetic operations

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.pickCurrency(other)}
}

// Subtract subtracts another Money value. Panics if currencies don't match.
func (m Money) Subtract(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount - other.Amount, Currency: m.pickCurrency(other)}
}

// Negate returns the negative of the Money value.
func (m Money) Negate() Money {
	return Money{Amount: -m.Amount, Currency: m.Currency}
}

// Abs returns the absolute value.
func (m Money) Abs() Money {
	if m.Amount < 0 {
		return m.Negate()
	}
	return m
}

// Comparison methods

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both Money values have the same amount and currency.
// Zero amounts compare equal regardless of an unset currency.
func (m Money) Equal(other Money) bool {
	if m.Amount == 0 && other.Amount == 0 && (m.Currency == "" || other.Currency == "") {
		return true
	}
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// LessThan returns true if this Money is less than other. Panics if currencies don't match.
func (m Money) LessThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount < other.Amount
}

// GreaterThan returns true if this Money is greater than other. Panics if currencies don't match.
func (m Money) GreaterThan(other Money) bool {
	m.assertSameCurrency(other)
	return m.Amount > other.Amount
}

// Min returns the smaller of two Money values. Panics if currencies don't match.
func (m Money) Min(other Money) Money {
	m.assertSameCurrency(other)
	if m.Amount < other.Amount {
		return m
	}
	return other
}

// Max returns the larger of two Money values. Panics if currencies don't match.
func (m Money) Max(other Money) Money {
	m.assertSameCurrency(other)
	if m.Amount > other.Amount {
		return m
	}
	return other
}

// Decimal returns the amount in major units (dollars, bitcoin) as a decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -int32(currencyDecimals(m.Currency)))
}

// FromMajor converts a major-unit decimal into Money, rounding half away
// from zero to the smallest unit.
func FromMajor(major decimal.Decimal, currency string) Money {
	currency = strings.ToLower(currency)
	minor := major.Shift(int32(currencyDecimals(currency))).Round(0)
	return Money{Amount: minor.IntPart(), Currency: currency}
}

// Formatting methods

// FormatMajor returns the major unit string without currency symbol.
// "49.00" for USD(4900), "0.01000000" for BTC(1_000_000).
func (m Money) FormatMajor() string {
	decimals := currencyDecimals(m.Currency)
	return m.Decimal().StringFixed(int32(decimals))
}

// String returns a human-readable string with currency symbol.
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The display field is ignored.
func (m *Money) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Amount = raw.Amount
	m.Currency = raw.Currency
	return nil
}

// Helper functions

// assertSameCurrency panics if currencies don't match. Zero values with an
// unset currency adopt the other side's currency.
func (m Money) assertSameCurrency(other Money) {
	if m.Currency == other.Currency {
		return
	}
	if (m.Currency == "" && m.Amount == 0) || (other.Currency == "" && other.Amount == 0) {
		return
	}
	panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
}

func (m Money) pickCurrency(other Money) string {
	if m.Currency == "" {
		return other.Currency
	}
	return m.Currency
}

func currencySymbol(currency string) string {
	switch strings.ToLower(currency) {
	case CurrencyUSD:
		return "$"
	case CurrencyBTC:
		return "₿"
	default:
		return strings.ToUpper(currency) + " "
	}
}

func currencyDecimals(currency string) int {
	if strings.ToLower(currency) == CurrencyBTC {
		return 8
	}
	return 2
}

// Sum calculates the sum of multiple Money values. All must have the same currency.
func Sum(currency string, values ...Money) Money {
	result := Zero(currency)
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}
