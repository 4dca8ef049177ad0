// Package money converts between API decimal strings and the integer minor
// units (cents) the settlement core stores.
//
// All persisted amounts are int64 cents. Decimal strings only appear at the
// HTTP boundary ("12.50" <-> 1250).
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooPrecise      = errors.New("amount has more than 2 decimal places")
	ErrInvalidCurrency = errors.New("invalid currency code")
)

const minorDigits = 2

var hundred = decimal.NewFromInt(100)

// ParseCents converts a non-negative decimal string (e.g. "12.50") to cents.
// Sub-cent precision is rejected rather than rounded.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if d.Exponent() < -minorDigits && !d.Equal(d.Round(minorDigits)) {
		return 0, ErrTooPrecise
	}
	cents := d.Mul(hundred)
	if !cents.IsInteger() {
		return 0, ErrTooPrecise
	}
	return cents.IntPart(), nil
}

// FormatCents renders cents as a decimal string with two places.
func FormatCents(cents int64) string {
	return decimal.New(cents, -minorDigits).StringFixed(minorDigits)
}

// NormalizeCurrency upper-cases and validates a 3-letter ISO code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return code, nil
}

// Percent returns the basis-point share of cents, rounded half-up.
// 1000 bps = 10%.
func Percent(cents int64, bps int64) int64 {
	if cents <= 0 || bps <= 0 {
		return 0
	}
	return decimal.NewFromInt(cents).
		Mul(decimal.NewFromInt(bps)).
		Div(decimal.NewFromInt(10_000)).
		Round(0).
		IntPart()
}
