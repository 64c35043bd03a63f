package models

import "github.com/shopspring/decimal"

// UnsignedTransfer is a transfer payload assembled against a block reference,
// ready to be handed to a signer.
type UnsignedTransfer struct {
	From string
	To   string

	// Native is the transfer amount in lamports.
	Native uint64

	// Amount and Rate record how Native was derived.
	Amount decimal.Decimal
	Rate   decimal.Decimal

	// Payload is the serialized, unsigned transaction (base64).
	Payload string

	// BlockRef is only valid up to ExpiryHeight.
	BlockRef     string
	ExpiryHeight uint64
}

// SignedTransfer is the opaque signed payload produced by a signer.
type SignedTransfer struct {
	// Payload is the serialized signed transaction (base64).
	Payload string

	// Signature is set once the ledger has accepted the broadcast.
	Signature string
}

// ReconciliationKind selects what a queued reconciliation must do.
type ReconciliationKind string

const (
	// ReconcileDebtWrite retries the debt-store write for a confirmed transfer.
	ReconcileDebtWrite ReconciliationKind = "debt_write"

	// ReconcileConfirmCheck re-queries the ledger for a transfer whose
	// confirmation could not be determined.
	ReconcileConfirmCheck ReconciliationKind = "confirm_check"
)

// ReconciliationStatus is the lifecycle of a queued reconciliation.
type ReconciliationStatus string

const (
	ReconciliationPending   ReconciliationStatus = "pending"
	ReconciliationDone      ReconciliationStatus = "done"
	ReconciliationAbandoned ReconciliationStatus = "abandoned"
)

// Reconciliation is a durable pending fix-up keyed by ledger signature.
type Reconciliation struct {
	// ID is the unique identifier (UUID format).
	ID string

	Signature string
	Kind      ReconciliationKind
	Status    ReconciliationStatus

	Key     DebtKey
	Counter int64
	Amount  decimal.Decimal

	Tries     int
	LastError string

	// NextAttemptAt is the Unix timestamp before which the entry is not due.
	NextAttemptAt int64
	CreatedAt     int64
	UpdatedAt     int64
}
