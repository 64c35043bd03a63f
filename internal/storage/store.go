// Package storage provides abstractions for persistent settlement data.
package storage

import (
	"context"
	"errors"

	"github.com/mmynk/splitpay/internal/models"
)

var (
	// ErrDebtNotFound is returned when no debt record exists for a key.
	ErrDebtNotFound = errors.New("debt record not found")

	// ErrAttemptNotFound is returned when no attempt exists for a key.
	ErrAttemptNotFound = errors.New("settlement attempt not found")

	// ErrAttemptInFlight is returned by Begin when the latest attempt for the
	// key is still running, unknown or waiting on its debt write.
	ErrAttemptInFlight = errors.New("settlement attempt already in flight")

	// ErrStaleState is returned by Update when the stored state is not the
	// expected one.
	ErrStaleState = errors.New("settlement attempt state changed")

	// ErrReconciliationNotFound is returned for an unknown reconciliation ID.
	ErrReconciliationNotFound = errors.New("reconciliation not found")
)

// DebtStore is the source of truth for what is owed and what has been paid.
// Writes are serialized per record.
type DebtStore interface {
	// GetDebt returns the record for key or ErrDebtNotFound.
	GetDebt(ctx context.Context, key models.DebtKey) (*models.DebtRecord, error)

	// RecordPayment adds payment.Amount to PaidToDate, clamped to TotalOwed,
	// and returns the updated record. Local stores ignore a payment whose
	// Reference was already recorded. The remote store cannot, so an error
	// must only be returned when nothing was written.
	RecordPayment(ctx context.Context, payment models.Payment) (*models.DebtRecord, error)

	// AddCharges adds each charge to its debtor's TotalOwed, creating records
	// as needed. Either all charges apply or none do.
	AddCharges(ctx context.Context, charges []models.Charge) error
}

// AttemptJournal records settlement attempts per debt record.
type AttemptJournal interface {
	// Begin assigns attempt the next counter for its key and stores it in
	// the building state. It fails with ErrAttemptInFlight when the latest
	// attempt for the key is not resolved.
	Begin(ctx context.Context, attempt *models.Attempt) error

	// Update stores attempt if the stored state is still from. Otherwise it
	// fails with ErrStaleState.
	Update(ctx context.Context, attempt *models.Attempt, from models.AttemptState) error

	// GetAttempt returns one attempt or ErrAttemptNotFound.
	GetAttempt(ctx context.Context, key models.DebtKey, counter int64) (*models.Attempt, error)

	// LatestAttempt returns the highest-counter attempt for key or
	// ErrAttemptNotFound.
	LatestAttempt(ctx context.Context, key models.DebtKey) (*models.Attempt, error)

	// ListOpenAttempts returns every attempt not in a terminal state.
	ListOpenAttempts(ctx context.Context) ([]*models.Attempt, error)
}

// ReconciliationQueue is the durable queue of pending fix-ups keyed by
// ledger signature.
type ReconciliationQueue interface {
	// Enqueue stores r as pending. Enqueueing the same (signature, kind)
	// again returns the existing entry's ID in r.ID and changes nothing.
	Enqueue(ctx context.Context, r *models.Reconciliation) error

	// ListDue returns up to limit pending entries due at or before now
	// (Unix seconds), oldest first.
	ListDue(ctx context.Context, now int64, limit int) ([]*models.Reconciliation, error)

	// MarkDone resolves an entry.
	MarkDone(ctx context.Context, id string) error

	// MarkRetry records a failed try and schedules the next one.
	MarkRetry(ctx context.Context, id string, lastErr string, next int64) error

	// MarkAbandoned gives up on an entry.
	MarkAbandoned(ctx context.Context, id string, lastErr string) error

	// ListReconciliations returns entries with status, or all when status
	// is empty, newest first.
	ListReconciliations(ctx context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error)

	// CountPending returns the number of pending entries.
	CountPending(ctx context.Context) (int, error)
}

// Store bundles every storage concern behind one backend.
type Store interface {
	DebtStore
	AttemptJournal
	ReconciliationQueue

	// Close releases any resources held by the store.
	Close() error
}
