package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/storage"
)

const attemptColumns = `creditor, debtor, counter, state, amount, native, from_account, to_account,
	signature, error_kind, error, created_at, updated_at`

// Begin stores a new attempt with the next counter for its key.
func (s *SQLiteStore) Begin(ctx context.Context, attempt *models.Attempt) error {
	if err := attempt.Key.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		counter int64
		state   string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT counter, state FROM settlement_attempts
		 WHERE creditor = ? AND debtor = ? ORDER BY counter DESC LIMIT 1`,
		attempt.Key.Creditor, attempt.Key.Debtor,
	).Scan(&counter, &state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		counter = 0
	case err != nil:
		return fmt.Errorf("failed to get latest attempt: %w", err)
	case !models.AttemptState(state).Resolved():
		return fmt.Errorf("%w: %s attempt %d is %s", storage.ErrAttemptInFlight, attempt.Key, counter, state)
	}

	now := time.Now().Unix()
	attempt.Counter = counter + 1
	attempt.State = models.StateBuilding
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO settlement_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.Key.Creditor, attempt.Key.Debtor, attempt.Counter, string(attempt.State),
		attempt.Amount.String(), int64(attempt.Native), attempt.From, attempt.To,
		nullString(attempt.Signature), nullString(attempt.ErrorKind), nullString(attempt.Error),
		attempt.CreatedAt, attempt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Update stores attempt only if its stored state is still from.
func (s *SQLiteStore) Update(ctx context.Context, attempt *models.Attempt, from models.AttemptState) error {
	attempt.UpdatedAt = time.Now().Unix()

	result, err := s.db.ExecContext(ctx,
		`UPDATE settlement_attempts
		 SET state = ?, amount = ?, native = ?, signature = ?, error_kind = ?, error = ?, updated_at = ?
		 WHERE creditor = ? AND debtor = ? AND counter = ? AND state = ?`,
		string(attempt.State), attempt.Amount.String(), int64(attempt.Native),
		nullString(attempt.Signature), nullString(attempt.ErrorKind), nullString(attempt.Error),
		attempt.UpdatedAt,
		attempt.Key.Creditor, attempt.Key.Debtor, attempt.Counter, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetAttempt(ctx, attempt.Key, attempt.Counter); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is no longer %s", storage.ErrStaleState, attempt.Reference(), from)
	}
	return nil
}

// GetAttempt retrieves one attempt.
func (s *SQLiteStore) GetAttempt(ctx context.Context, key models.DebtKey, counter int64) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM settlement_attempts
		 WHERE creditor = ? AND debtor = ? AND counter = ?`,
		key.Creditor, key.Debtor, counter,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s#%d", storage.ErrAttemptNotFound, key, counter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

// LatestAttempt retrieves the highest-counter attempt for key.
func (s *SQLiteStore) LatestAttempt(ctx context.Context, key models.DebtKey) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM settlement_attempts
		 WHERE creditor = ? AND debtor = ? ORDER BY counter DESC LIMIT 1`,
		key.Creditor, key.Debtor,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrAttemptNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return a, nil
}

// ListOpenAttempts retrieves every attempt not in a terminal state.
func (s *SQLiteStore) ListOpenAttempts(ctx context.Context) ([]*models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM settlement_attempts
		 WHERE state NOT IN (?, ?, ?, ?) ORDER BY created_at, creditor, debtor, counter`,
		string(models.StateSettled), string(models.StatePartiallySettled),
		string(models.StateFailed), string(models.StateUnknown),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*models.Attempt, error) {
	var (
		a                       models.Attempt
		state                   string
		native                  int64
		signature, kind, errMsg sql.NullString
	)
	err := row.Scan(
		&a.Key.Creditor, &a.Key.Debtor, &a.Counter, &state, &a.Amount, &native,
		&a.From, &a.To, &signature, &kind, &errMsg, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.State = models.AttemptState(state)
	a.Native = uint64(native)
	a.Signature = signature.String
	a.ErrorKind = kind.String
	a.Error = errMsg.String
	return &a, nil
}
