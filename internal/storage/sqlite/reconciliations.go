package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/storage"
)

const reconciliationColumns = `id, signature, kind, status, creditor, debtor, counter, amount,
	tries, last_error, next_attempt_at, created_at, updated_at`

// Enqueue stores a pending reconciliation, once per (signature, kind).
func (s *SQLiteStore) Enqueue(ctx context.Context, r *models.Reconciliation) error {
	if r.Signature == "" {
		return fmt.Errorf("reconciliation requires a ledger signature")
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.NextAttemptAt == 0 {
		r.NextAttemptAt = now
	}
	r.Status = models.ReconciliationPending
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliations (`+reconciliationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (signature, kind) DO NOTHING`,
		r.ID, r.Signature, string(r.Kind), string(r.Status), r.Key.Creditor, r.Key.Debtor, r.Counter, r.Amount.String(),
		r.Tries, nullString(r.LastError), r.NextAttemptAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM reconciliations WHERE signature = ? AND kind = ?",
		r.Signature, string(r.Kind),
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to get reconciliation: %w", err)
	}
	return nil
}

// ListDue retrieves pending entries due at or before now.
func (s *SQLiteStore) ListDue(ctx context.Context, now int64, limit int) ([]*models.Reconciliation, error) {
	return s.listReconciliations(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliations
		 WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at, created_at LIMIT ?`,
		string(models.ReconciliationPending), now, limit,
	)
}

// ListReconciliations retrieves entries by status, or all when status is empty.
func (s *SQLiteStore) ListReconciliations(ctx context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error) {
	if status == "" {
		return s.listReconciliations(ctx,
			`SELECT `+reconciliationColumns+` FROM reconciliations ORDER BY created_at DESC, id`)
	}
	return s.listReconciliations(ctx,
		`SELECT `+reconciliationColumns+` FROM reconciliations WHERE status = ? ORDER BY created_at DESC, id`,
		string(status),
	)
}

// CountPending returns the number of pending entries.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM reconciliations WHERE status = ?", string(models.ReconciliationPending),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count reconciliations: %w", err)
	}
	return n, nil
}

// MarkDone resolves an entry.
func (s *SQLiteStore) MarkDone(ctx context.Context, id string) error {
	return s.updateReconciliation(ctx,
		"UPDATE reconciliations SET status = ?, updated_at = ? WHERE id = ?",
		id, string(models.ReconciliationDone), time.Now().Unix(), id,
	)
}

// MarkRetry records a failed try and schedules the next one at next.
func (s *SQLiteStore) MarkRetry(ctx context.Context, id string, lastErr string, next int64) error {
	return s.updateReconciliation(ctx,
		`UPDATE reconciliations SET tries = tries + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		id, nullString(lastErr), next, time.Now().Unix(), id, string(models.ReconciliationPending),
	)
}

// MarkAbandoned gives up on an entry.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context, id string, lastErr string) error {
	return s.updateReconciliation(ctx,
		`UPDATE reconciliations SET status = ?, tries = tries + 1, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		id, string(models.ReconciliationAbandoned), nullString(lastErr), time.Now().Unix(), id,
	)
}

func (s *SQLiteStore) updateReconciliation(ctx context.Context, query, id string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", storage.ErrReconciliationNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) listReconciliations(ctx context.Context, query string, args ...any) ([]*models.Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer rows.Close()

	var entries []*models.Reconciliation
	for rows.Next() {
		var (
			r       models.Reconciliation
			kind    string
			status  string
			lastErr sql.NullString
		)
		err := rows.Scan(
			&r.ID, &r.Signature, &kind, &status, &r.Key.Creditor, &r.Key.Debtor, &r.Counter, &r.Amount,
			&r.Tries, &lastErr, &r.NextAttemptAt, &r.CreatedAt, &r.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		r.Kind = models.ReconciliationKind(kind)
		r.Status = models.ReconciliationStatus(status)
		r.LastError = lastErr.String
		entries = append(entries, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reconciliations: %w", err)
	}
	return entries, nil
}
