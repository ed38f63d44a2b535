// Package money holds the currency helpers used across the ledger.
// Amounts are shopspring decimals; nothing in here touches float64.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CentPlaces is the number of fractional digits kept for currency amounts.
const CentPlaces int32 = 2

// ErrInvalidAmount is returned when a negative (or otherwise unusable)
// amount is supplied where a non-negative one is required.
var ErrInvalidAmount = errors.New("ledger: invalid amount")

// Rounding selects how a fractional result is brought to a fixed number of places.
type Rounding string

const (
	RoundHalfUp   Rounding = "half-up"
	RoundHalfEven Rounding = "half-even"
	RoundFloor    Rounding = "floor"
	RoundCeil     Rounding = "ceil"
)

// ParseRounding maps a config value to a Rounding. Empty means half-up.
func ParseRounding(s string) (Rounding, error) {
	switch r := Rounding(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RoundHalfUp, nil
	case RoundHalfUp, RoundHalfEven, RoundFloor, RoundCeil:
		return r, nil
	default:
		return "", fmt.Errorf("money: unknown rounding policy %q", s)
	}
}

// Parse reads a decimal string such as "120.00".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustParse is like Parse but panics on error. Use for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// WholeCents returns ErrInvalidAmount when d has digits beyond the cent.
func WholeCents(what string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(CentPlaces)) {
		return fmt.Errorf("%w: %s has more than %d decimal places, got %s", ErrInvalidAmount, what, CentPlaces, d.String())
	}
	return nil
}

// NonNegative returns ErrInvalidAmount when d < 0. what names the field.
func NonNegative(what string, d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidAmount, what, d.String())
	}
	return nil
}

// Positive returns ErrInvalidAmount when d <= 0.
func Positive(what string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidAmount, what, d.String())
	}
	return nil
}

// Times multiplies a unit price by a unit count.
func Times(price decimal.Decimal, units int64) (decimal.Decimal, error) {
	if units < 0 {
		return decimal.Zero, fmt.Errorf("%w: unit count must not be negative, got %d", ErrInvalidAmount, units)
	}
	if err := NonNegative("price per unit", price); err != nil {
		return decimal.Zero, err
	}
	return price.Mul(decimal.NewFromInt(units)), nil
}

// ProRate returns amount * num / den rounded to places using the given
// policy. The product is exact; only the final quotient is rounded.
func ProRate(amount decimal.Decimal, num, den int64, places int32, policy Rounding) (decimal.Decimal, error) {
	if den <= 0 {
		return decimal.Zero, fmt.Errorf("%w: pro-rata denominator must be positive, got %d", ErrInvalidAmount, den)
	}
	if num < 0 {
		return decimal.Zero, fmt.Errorf("%w: pro-rata numerator must not be negative, got %d", ErrInvalidAmount, num)
	}
	return RoundQuotient(amount.Mul(decimal.NewFromInt(num)), decimal.NewFromInt(den), places, policy)
}

// RoundQuotient divides n by d and rounds the exact quotient to places.
func RoundQuotient(n, d decimal.Decimal, places int32, policy Rounding) (decimal.Decimal, error) {
	if d.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: division by zero", ErrInvalidAmount)
	}
	if policy == RoundHalfUp || policy == "" {
		return n.DivRound(d, places), nil
	}

	// q is truncated toward zero, r carries the sign of n.
	q, r := n.QuoRem(d, places)
	if r.IsZero() {
		return q, nil
	}
	step := decimal.New(1, -places)
	negative := n.Sign()*d.Sign() < 0

	switch policy {
	case RoundFloor:
		if negative {
			q = q.Sub(step)
		}
	case RoundCeil:
		if !negative {
			q = q.Add(step)
		}
	case RoundHalfEven:
		// compare |2r| with |d * step|: the remainder is in units of step
		twice := r.Abs().Mul(decimal.NewFromInt(2))
		unit := d.Abs().Mul(step)
		switch twice.Cmp(unit) {
		case 1:
			q = awayFromZero(q, step, negative)
		case 0:
			if !isEven(q, places) {
				q = awayFromZero(q, step, negative)
			}
		}
	default:
		return decimal.Zero, fmt.Errorf("money: unknown rounding policy %q", policy)
	}
	return q, nil
}

func awayFromZero(q, step decimal.Decimal, negative bool) decimal.Decimal {
	if negative {
		return q.Sub(step)
	}
	return q.Add(step)
}

func isEven(q decimal.Decimal, places int32) bool {
	last := q.Shift(places).Abs().BigInt()
	return last.Bit(0) == 0
}

// Format renders an amount with two decimals, e.g. "30.00".
func Format(d decimal.Decimal) string {
	return d.StringFixed(CentPlaces)
}
