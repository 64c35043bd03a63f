// Package calculator splits a receipt selection into equal per-person shares.
package calculator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitpay/internal/money"
)

var (
	ErrNoParticipantsSelected = errors.New("no participants selected")
	ErrInvalidCustomAmount    = errors.New("custom amount must be a positive number")
	ErrInvalidSplitMode       = errors.New("unknown split mode")
	ErrNegativeItem           = errors.New("item amount cannot be negative")
)

// SplitMode selects how much of the selected items is split.
type SplitMode string

const (
	SplitHalf   SplitMode = "half"
	SplitFull   SplitMode = "full"
	SplitCustom SplitMode = "custom"
)

// SelectedItem is a receipt line chosen for splitting.
type SelectedItem struct {
	Description string
	Amount      decimal.Decimal
}

// SplitRequest is the ephemeral input of one split workflow.
type SplitRequest struct {
	Items []SelectedItem
	Mode  SplitMode

	// CustomAmount is the raw input for SplitCustom. Ignored otherwise.
	CustomAmount string

	// Payer is who paid the charge and becomes the creditor of every share.
	Payer string

	// Participants are the debtors. A participant equal to Payer is treated
	// as PayerIncluded.
	Participants []string

	// PayerIncluded adds the payer as one more equal share.
	PayerIncluded bool
}

// Allocation is the result of Allocate.
type Allocation struct {
	ItemsTotal  decimal.Decimal
	SplitAmount decimal.Decimal

	// TotalParticipants counts the payer when included.
	TotalParticipants int

	SharePerParticipant decimal.Decimal

	// Shares holds one entry per non-payer participant. The payer's own share
	// is never owed to anyone and is reported in PayerShare instead.
	Shares map[string]decimal.Decimal

	PayerShare decimal.Decimal
}

// Allocate computes each participant's equal share of a split.
//
// splitAmount = itemsTotal x {0.5 half, 1.0 full, clamp(custom, 0, itemsTotal) custom}
// share       = splitAmount / (participants + payer if included)
//
// SharePerParticipant is the share rounded to cents. Individual shares start
// from the share rounded down, and the cents left over are handed out one at
// a time, payer first and then participants in order, so that they always
// add up to the split amount rounded to cents.
func Allocate(req SplitRequest) (*Allocation, error) {
	total := decimal.Zero
	for _, item := range req.Items {
		if item.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: %s", ErrNegativeItem, item.Description)
		}
		total = total.Add(item.Amount)
	}

	var splitAmount decimal.Decimal
	switch req.Mode {
	case SplitHalf:
		splitAmount = total.Mul(decimal.New(5, -1))
	case SplitFull:
		splitAmount = total
	case SplitCustom:
		custom, err := money.ParsePositive(req.CustomAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCustomAmount, err)
		}
		splitAmount = money.Clamp(custom, decimal.Zero, total)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSplitMode, req.Mode)
	}

	participants, payerListed := dedupe(req.Participants, req.Payer)
	payerIncluded := req.PayerIncluded || payerListed
	totalParticipants := len(participants)
	if payerIncluded {
		totalParticipants++
	}
	if totalParticipants == 0 {
		return nil, ErrNoParticipantsSelected
	}

	n := decimal.NewFromInt(int64(totalParticipants))
	exact := splitAmount.Div(n)
	base := exact.RoundFloor(money.Places)
	left := money.Round(splitAmount).Sub(base.Mul(n)).Shift(money.Places).IntPart()

	next := func() decimal.Decimal {
		if left > 0 {
			left--
			return base.Add(cent)
		}
		return base
	}

	alloc := &Allocation{
		ItemsTotal:          total,
		SplitAmount:         splitAmount,
		TotalParticipants:   totalParticipants,
		SharePerParticipant: money.Round(exact),
		Shares:              make(map[string]decimal.Decimal, len(participants)),
	}
	if payerIncluded {
		alloc.PayerShare = next()
	}
	for _, p := range participants {
		alloc.Shares[p] = next()
	}

	return alloc, nil
}

var cent = decimal.New(1, -money.Places)

// dedupe drops blank and repeated participant names, keeping order, and
// reports whether the payer was listed among them.
func dedupe(participants []string, payer string) ([]string, bool) {
	seen := make(map[string]bool, len(participants))
	out := make([]string, 0, len(participants))
	payerListed := false
	for _, p := range participants {
		if p == "" || seen[p] {
			continue
		}
		if payer != "" && p == payer {
			payerListed = true
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, payerListed
}
