// Package sqlite provides a SQLite-backed implementation of storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/storage"
)

// Ensure SQLiteStore implements storage.Store
var _ storage.Store = (*SQLiteStore)(nil)

// SQLiteStore implements storage.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(dbPath string) (*SQLiteStore, error) {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serializes writes per record and keeps the pragma below
	// in effect for every statement.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDebt(ctx context.Context, q queryRower, key models.DebtKey) (*models.DebtRecord, error) {
	rec := &models.DebtRecord{Key: key}
	err := q.QueryRowContext(ctx,
		"SELECT total_owed, paid_to_date, updated_at FROM debts WHERE creditor = ? AND debtor = ?",
		key.Creditor, key.Debtor,
	).Scan(&rec.TotalOwed, &rec.PaidToDate, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrDebtNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get debt: %w", err)
	}
	return rec, nil
}

// GetDebt retrieves a debt record by key.
func (s *SQLiteStore) GetDebt(ctx context.Context, key models.DebtKey) (*models.DebtRecord, error) {
	return getDebt(ctx, s.db, key)
}

// RecordPayment applies a reconciled payment. Replaying a reference is a no-op.
func (s *SQLiteStore) RecordPayment(ctx context.Context, payment models.Payment) (*models.DebtRecord, error) {
	if err := payment.Key.Validate(); err != nil {
		return nil, err
	}
	if !payment.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", payment.Amount)
	}
	if payment.Reference == "" {
		payment.Reference = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getDebt(ctx, tx, payment.Key)
	if err != nil {
		return nil, err
	}

	var seen int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE reference = ?", payment.Reference,
	).Scan(&seen)
	if err != nil {
		return nil, fmt.Errorf("failed to check payment reference: %w", err)
	}
	if seen > 0 {
		return rec, nil
	}

	applied := rec.ApplyPayment(payment.Amount)
	if err := rec.Check(); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().Unix()

	_, err = tx.ExecContext(ctx,
		"UPDATE debts SET paid_to_date = ?, updated_at = ? WHERE creditor = ? AND debtor = ?",
		rec.PaidToDate.String(), rec.UpdatedAt, payment.Key.Creditor, payment.Key.Debtor,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update debt: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (reference, creditor, debtor, amount, applied, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.Reference, payment.Key.Creditor, payment.Key.Debtor,
		payment.Amount.String(), applied.String(), nullString(payment.Description), rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// AddCharges increments what each debtor owes in one transaction.
func (s *SQLiteStore) AddCharges(ctx context.Context, charges []models.Charge) error {
	for _, c := range charges {
		if err := c.Key.Validate(); err != nil {
			return err
		}
		if !c.Amount.IsPositive() {
			return fmt.Errorf("charge for %s must be positive, got %s", c.Key, c.Amount)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, c := range charges {
		rec, err := getDebt(ctx, tx, c.Key)
		if errors.Is(err, storage.ErrDebtNotFound) {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO debts (creditor, debtor, total_owed, paid_to_date, updated_at) VALUES (?, ?, ?, ?, ?)",
				c.Key.Creditor, c.Key.Debtor, c.Amount.String(), decimal.Zero.String(), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert debt: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE debts SET total_owed = ?, updated_at = ? WHERE creditor = ? AND debtor = ?",
			rec.TotalOwed.Add(c.Amount).String(), now, c.Key.Creditor, c.Key.Debtor,
		)
		if err != nil {
			return fmt.Errorf("failed to update debt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
