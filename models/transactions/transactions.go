// Package transactions holds the on-chain transaction model and the
// atomic settlement path that pairs a confirmed transaction with its
// payment form.
package transactions

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/build"
	"gitlab.com/arcanecrypto/troncoil/db"
)

var log = build.AddSubLogger("TXNS")

// Status is the local state of a tracked transaction
type Status string

const (
	StatusPending Status = "pending"
	// StatusConfirmed rows are immutable once written
	StatusConfirmed Status = "confirmed"
)

// Transaction is the DB type for a tracked on-chain transaction. This
// struct is only responsible for DB serialization and deserialization.
type Transaction struct {
	ID            int64   `db:"id"`
	TransactionID string  `db:"transaction_id"`
	FromAddress   string  `db:"from_address"`
	ToAddress     string  `db:"to_address"`
	Amount        float64 `db:"amount"`
	Currency      string  `db:"currency"`
	Status        Status  `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	PaymentFormID *string `db:"payment_form_id"`
	Description   *string `db:"description"`
}

// Insert adds a transaction row. It returns false when a row with the
// same chain hash already exists.
func Insert(pool *db.Pool, tx Transaction) (bool, error) {
	err := pool.With(func(handle *sqlx.DB) error {
		now := time.Now().UTC()
		_, err := handle.Exec(`
			INSERT INTO transactions
			(transaction_id, from_address, to_address, amount, currency, status,
			 created_at, updated_at, payment_form_id, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.TransactionID, tx.FromAddress, tx.ToAddress, tx.Amount, tx.Currency,
			tx.Status, now, now, tx.PaymentFormID, tx.Description)
		return err
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "could not insert transaction")
	}
	return true, nil
}

// GetByTxID looks a transaction up by its chain hash. Returns nil when
// no such row exists.
func GetByTxID(pool *db.Pool, transactionID string) (*Transaction, error) {
	var tx Transaction
	err := pool.With(func(handle *sqlx.DB) error {
		return handle.Get(&tx,
			"SELECT * FROM transactions WHERE transaction_id = ?", transactionID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not get transaction %s", transactionID)
	}
	return &tx, nil
}

// GetByForm lists the transactions recorded against a form, newest
// first
func GetByForm(pool *db.Pool, formID string) ([]Transaction, error) {
	txs := []Transaction{}
	err := pool.With(func(handle *sqlx.DB) error {
		return handle.Select(&txs, `
			SELECT * FROM transactions
			WHERE payment_form_id = ?
			ORDER BY created_at DESC`, formID)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not list transactions for form %s", formID)
	}
	return txs, nil
}

// GetPending lists locally pending transactions, newest first
func GetPending(pool *db.Pool) ([]Transaction, error) {
	txs := []Transaction{}
	err := pool.With(func(handle *sqlx.DB) error {
		return handle.Select(&txs, `
			SELECT * FROM transactions
			WHERE status = ?
			ORDER BY created_at DESC`, StatusPending)
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not list pending transactions")
	}
	return txs, nil
}

// UpdateStatus moves a transaction to the given status. Settlement does
// not go through here; confirmed rows written by SettleAtomic are never
// touched again.
func UpdateStatus(pool *db.Pool, transactionID string, status Status) error {
	return pool.With(func(handle *sqlx.DB) error {
		_, err := handle.Exec(`
			UPDATE transactions
			SET status = ?, updated_at = ?
			WHERE transaction_id = ?`,
			status, time.Now().UTC(), transactionID)
		return errors.Wrapf(err, "could not update transaction %s", transactionID)
	})
}
