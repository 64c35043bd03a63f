package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/money"
	"github.com/mmynk/splitpay/internal/signer"
	"github.com/mmynk/splitpay/internal/storage"
	"github.com/mmynk/splitpay/internal/transfer"
)

var (
	// ErrAmountExceedsRemaining is a payment larger than what is owed plus
	// tolerance.
	ErrAmountExceedsRemaining = errors.New("amount exceeds remaining debt")

	// ErrCancelled is a payment abandoned by the user before broadcast.
	ErrCancelled = errors.New("settlement cancelled")

	// ErrNotCancellable is returned by Cancel once broadcasting has begun.
	ErrNotCancellable = errors.New("settlement can no longer be cancelled")

	// ErrNoActiveAttempt is returned by Cancel when nothing runs for the key.
	ErrNoActiveAttempt = errors.New("no active settlement attempt")

	// ErrInvalidRequest is a payment request missing its key or recipient.
	ErrInvalidRequest = errors.New("invalid payment request")

	// ErrDebtStoreWrite is a failed debt-store write after a confirmed transfer.
	ErrDebtStoreWrite = errors.New("debt store write failed")
)

// Kind is the error taxonomy surfaced with every failed or unknown attempt.
type Kind string

const (
	KindNone                   Kind = ""
	KindUserRejected           Kind = "user_rejected"
	KindSignerUnavailable      Kind = "signer_unavailable"
	KindSignerTimeout          Kind = "signer_timeout"
	KindCancelled              Kind = "cancelled"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindNetworkUnavailable     Kind = "network_unavailable"
	KindRejectedByLedger       Kind = "rejected_by_ledger"
	KindConfirmationTimeout    Kind = "ledger_confirmation_timeout"
	KindDebtStoreWriteFailure  Kind = "debt_store_write_failure"
	KindInvalidAmount          Kind = "invalid_amount"
	KindAmountExceedsRemaining Kind = "amount_exceeds_remaining"
	KindAttemptInFlight        Kind = "attempt_in_flight"
	KindDebtNotFound           Kind = "debt_not_found"
	KindInvalidRequest         Kind = "invalid_request"
	KindInterrupted            Kind = "interrupted"
	KindInternal               Kind = "internal"
)

// Retryable reports whether the same request may succeed later unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindUserRejected, KindSignerUnavailable, KindSignerTimeout, KindCancelled,
		KindInsufficientFunds, KindNetworkUnavailable, KindRejectedByLedger:
		return true
	}
	return false
}

// Classify maps an error from any collaborator onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, signer.ErrUserRejected):
		return KindUserRejected
	case errors.Is(err, signer.ErrTimeout):
		return KindSignerTimeout
	case errors.Is(err, signer.ErrUnavailable), errors.Is(err, signer.ErrNotConnected):
		return KindSignerUnavailable
	case errors.Is(err, transfer.ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ledger.ErrRejected):
		return KindRejectedByLedger
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ledger.ErrNetworkUnavailable), errors.Is(err, ledger.ErrRequestFailed),
		errors.Is(err, ledger.ErrInvalidResponse):
		return KindNetworkUnavailable
	case errors.Is(err, ErrDebtStoreWrite):
		return KindDebtStoreWriteFailure
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrAmountExceedsRemaining):
		return KindAmountExceedsRemaining
	case errors.Is(err, money.ErrEmptyAmount), errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrNonPositive), errors.Is(err, money.ErrTooPrecise),
		errors.Is(err, money.ErrBelowMinimalUnit), errors.Is(err, money.ErrInvalidRate):
		return KindInvalidAmount
	case errors.Is(err, storage.ErrAttemptInFlight):
		return KindAttemptInFlight
	case errors.Is(err, storage.ErrDebtNotFound):
		return KindDebtNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetworkUnavailable
	}
	return KindInternal
}

// Error is the outcome of a payment that did not settle.
type Error struct {
	Kind  Kind
	State models.AttemptState

	// Signature is set once the ledger accepted the broadcast, so the
	// caller can verify the transfer independently.
	Signature string

	Err error
}

func (e *Error) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("settlement %s (%s, signature %s): %v", e.State, e.Kind, e.Signature, e.Err)
	}
	return fmt.Sprintf("settlement %s (%s): %v", e.State, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
