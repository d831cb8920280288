package db

import (
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// migrations are applied in order; PRAGMA user_version tracks how many
// have run. Append only, never edit a shipped migration.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT UNIQUE NOT NULL,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		payment_form_id TEXT,
		description TEXT
	);
	CREATE TABLE IF NOT EXISTS payment_forms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		form_id TEXT UNIQUE NOT NULL,
		amount REAL NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		expires_at REAL,
		wallet_address TEXT NOT NULL
	);`,

	`CREATE INDEX IF NOT EXISTS idx_transactions_transaction_id ON transactions(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_payment_form_id ON transactions(payment_form_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_status_created ON transactions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_payment_forms_form_id ON payment_forms(form_id);
	CREATE INDEX IF NOT EXISTS idx_payment_forms_status ON payment_forms(status);
	CREATE INDEX IF NOT EXISTS idx_payment_forms_expires_at ON payment_forms(expires_at);
	CREATE INDEX IF NOT EXISTS idx_payment_forms_status_expires ON payment_forms(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_payment_forms_created_at ON payment_forms(created_at);
	CREATE INDEX IF NOT EXISTS idx_payment_forms_status_created ON payment_forms(status, created_at);`,
}

// migrate brings the schema up to the current version
func migrate(handle *sqlx.DB) error {
	var version int
	if err := handle.Get(&version, "PRAGMA user_version"); err != nil {
		return errors.Wrap(err, "could not read user_version")
	}

	if version > len(migrations) {
		return errors.Errorf("database schema version %d is newer than this binary supports (%d)",
			version, len(migrations))
	}

	for ; version < len(migrations); version++ {
		if _, err := handle.Exec(migrations[version]); err != nil {
			return errors.Wrapf(err, "migration %d failed", version+1)
		}
		if _, err := handle.Exec(sqlPragmaUserVersion(version + 1)); err != nil {
			return errors.Wrap(err, "could not bump user_version")
		}
		log.WithField("version", version+1).Info("Applied schema migration")
	}
	return nil
}

func sqlPragmaUserVersion(version int) string {
	// PRAGMA does not take bind parameters
	return "PRAGMA user_version = " + strconv.Itoa(version)
}
