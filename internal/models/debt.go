package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvariant is returned when a debt record would leave 0 <= paid <= total.
var ErrInvariant = errors.New("debt record invariant violated")

// DebtKey identifies a debt record: what Debtor owes Creditor.
type DebtKey struct {
	Creditor string
	Debtor   string
}

// String renders the key as "debtor->creditor".
func (k DebtKey) String() string {
	return k.Debtor + "->" + k.Creditor
}

// Validate checks that both sides are present.
func (k DebtKey) Validate() error {
	if k.Creditor == "" || k.Debtor == "" {
		return fmt.Errorf("debt key requires creditor and debtor, got %q", k.String())
	}
	return nil
}

// DebtRecord is the off-chain bookkeeping of what one party owes another.
// Records are never deleted, only driven toward Remaining() == 0.
type DebtRecord struct {
	Key DebtKey

	// TotalOwed is the sum of every charge allocated to the debtor.
	TotalOwed decimal.Decimal

	// PaidToDate is the sum of every reconciled settlement, clamped to TotalOwed.
	PaidToDate decimal.Decimal

	// UpdatedAt is the Unix timestamp of the last mutation.
	UpdatedAt int64
}

// Remaining is what is still owed.
func (d *DebtRecord) Remaining() decimal.Decimal {
	return d.TotalOwed.Sub(d.PaidToDate)
}

// Check verifies 0 <= PaidToDate <= TotalOwed.
func (d *DebtRecord) Check() error {
	if d.PaidToDate.IsNegative() || d.PaidToDate.GreaterThan(d.TotalOwed) {
		return fmt.Errorf("%w: %s paid %s of %s", ErrInvariant, d.Key, d.PaidToDate, d.TotalOwed)
	}
	return nil
}

// ApplyPayment increments PaidToDate by amount, clamped to TotalOwed.
// It returns the amount actually applied.
func (d *DebtRecord) ApplyPayment(amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	applied := decimal.Min(amount, d.Remaining())
	if applied.IsNegative() {
		applied = decimal.Zero
	}
	d.PaidToDate = d.PaidToDate.Add(applied)
	return applied
}

// Payment is a reconciled settlement written to the debt store.
type Payment struct {
	Key    DebtKey
	Amount decimal.Decimal

	// Reference is the ledger signature. Writes are idempotent on it.
	Reference string

	Description string
}

// Charge is a new amount owed by a debtor, produced by a split.
type Charge struct {
	Key         DebtKey
	Amount      decimal.Decimal
	Description string
}
