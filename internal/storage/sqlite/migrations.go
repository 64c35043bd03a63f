package sqlite

import "database/sql"

// schema sets up the database. It runs on every startup.
// Amounts are stored as decimal TEXT, never REAL.
const schema = `
CREATE TABLE IF NOT EXISTS debts (
    creditor TEXT NOT NULL,
    debtor TEXT NOT NULL,
    total_owed TEXT NOT NULL,
    paid_to_date TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (creditor, debtor)
);

CREATE TABLE IF NOT EXISTS payments (
    reference TEXT PRIMARY KEY,
    creditor TEXT NOT NULL,
    debtor TEXT NOT NULL,
    amount TEXT NOT NULL,
    applied TEXT NOT NULL,
    description TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (creditor, debtor) REFERENCES debts(creditor, debtor)
);

CREATE TABLE IF NOT EXISTS settlement_attempts (
    creditor TEXT NOT NULL,
    debtor TEXT NOT NULL,
    counter INTEGER NOT NULL,
    state TEXT NOT NULL,
    amount TEXT NOT NULL,
    native INTEGER NOT NULL DEFAULT 0,
    from_account TEXT NOT NULL,
    to_account TEXT NOT NULL,
    signature TEXT,
    error_kind TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (creditor, debtor, counter)
);

CREATE TABLE IF NOT EXISTS reconciliations (
    id TEXT PRIMARY KEY,
    signature TEXT NOT NULL,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    creditor TEXT NOT NULL,
    debtor TEXT NOT NULL,
    counter INTEGER NOT NULL,
    amount TEXT NOT NULL,
    tries INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_attempt_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (signature, kind)
);

CREATE INDEX IF NOT EXISTS idx_payments_debt ON payments(creditor, debtor);
CREATE INDEX IF NOT EXISTS idx_attempts_state ON settlement_attempts(state);
CREATE INDEX IF NOT EXISTS idx_reconciliations_due ON reconciliations(status, next_attempt_at);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
