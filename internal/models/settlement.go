package models

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// AttemptState is a state of the settlement state machine.
type AttemptState string

const (
	StateIdle              AttemptState = "idle"
	StateBuilding          AttemptState = "building"
	StateAwaitingSignature AttemptState = "awaiting_signature"
	StateBroadcasting      AttemptState = "broadcasting"
	StateConfirming        AttemptState = "confirming"
	StateReconciling       AttemptState = "reconciling"

	StateSettled          AttemptState = "settled"
	StatePartiallySettled AttemptState = "partially_settled"
	StateFailed           AttemptState = "failed"

	// StateUnknown means the ledger outcome could not be determined. It is
	// terminal for the attempt but blocks new attempts until reconciled.
	StateUnknown AttemptState = "unknown"
)

// Terminal reports whether no further transition will happen for the attempt.
func (s AttemptState) Terminal() bool {
	switch s {
	case StateSettled, StatePartiallySettled, StateFailed, StateUnknown:
		return true
	}
	return false
}

// Resolved reports whether a new attempt may start after this one. Unknown
// and PartiallySettled hold the record until the reconciler moves them on:
// funds may have moved that the debt store does not show yet.
func (s AttemptState) Resolved() bool {
	switch s {
	case StateSettled, StateFailed:
		return true
	}
	return false
}

// PastBroadcast reports whether the ledger may already have seen the transfer.
func (s AttemptState) PastBroadcast() bool {
	switch s {
	case StateBroadcasting, StateConfirming, StateReconciling,
		StateSettled, StatePartiallySettled, StateUnknown:
		return true
	}
	return false
}

// Attempt is one try at settling a debt record. (Key, Counter) is the
// idempotency reference of the transfer intent.
type Attempt struct {
	Key     DebtKey
	Counter int64
	State   AttemptState

	// Amount is in application currency, already clamped to what is owed.
	Amount decimal.Decimal

	// Native is the derived ledger amount in lamports.
	Native uint64

	From string
	To   string

	// Signature is the ledger-assigned identifier once broadcast.
	Signature string

	ErrorKind string
	Error     string

	CreatedAt int64
	UpdatedAt int64
}

// Reference renders the idempotency reference of the attempt.
func (a *Attempt) Reference() string {
	return a.Key.String() + "#" + strconv.FormatInt(a.Counter, 10)
}
