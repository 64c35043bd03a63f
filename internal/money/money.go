// Package money is the parse-then-validate boundary for currency amounts.
//
// Raw amounts arrive as strings from interactive input and may be empty,
// partial ("12.") or garbage. Nothing downstream of this package sees anything
// but a validated decimal.Decimal.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyAmount      = errors.New("amount is empty")
	ErrInvalidAmount    = errors.New("amount is not a valid number")
	ErrNonPositive      = errors.New("amount must be greater than zero")
	ErrTooPrecise       = errors.New("amount has more than 2 decimal places")
	ErrInvalidRate      = errors.New("conversion rate must be greater than zero")
	ErrBelowMinimalUnit = errors.New("amount converts to zero native units")
)

// Places is the number of fractional digits carried by application currency.
const Places = 2

// Tolerance absorbs rounding noise from UI input when comparing against what
// is still owed.
var Tolerance = decimal.New(1, -Places)

var lamportsPerSOL = decimal.NewFromBigInt(new(big.Int).SetUint64(solana.LAMPORTS_PER_SOL), 0)

// amountPattern accepts an optional sign, digits, and an optional fraction
// with at least one digit. "1.", ".5" and "1e3" are rejected.
var amountPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// Parse converts raw user input into a decimal. It does not check the sign;
// use ParsePositive for amounts that must be payable.
func Parse(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, ErrEmptyAmount
	}
	if !amountPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if d.Exponent() < -Places && !d.Equal(d.Round(Places)) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrTooPrecise, raw)
	}

	return d.Round(Places), nil
}

// ParsePositive is Parse followed by a strictly-positive check.
func ParsePositive(raw string) (decimal.Decimal, error) {
	d, err := Parse(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNonPositive, d.StringFixed(Places))
	}
	return d, nil
}

// Round rounds to the currency precision.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Clamp returns d bounded to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// Format renders an amount with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// ToNative converts an application-currency amount into ledger minimal units
// (lamports) using rate, expressed in native coins per currency unit.
// The result is rounded half-up to the nearest lamport.
func ToNative(amount, rate decimal.Decimal) (uint64, error) {
	if !rate.IsPositive() {
		return 0, ErrInvalidRate
	}
	if !amount.IsPositive() {
		return 0, ErrNonPositive
	}

	lamports := amount.Mul(rate).Mul(lamportsPerSOL).Round(0)
	if !lamports.IsPositive() {
		return 0, ErrBelowMinimalUnit
	}
	if !lamports.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows native units", ErrInvalidAmount, amount)
	}
	return lamports.BigInt().Uint64(), nil
}

// FromNative converts lamports into whole native coins.
func FromNative(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), 0).Div(lamportsPerSOL)
}
