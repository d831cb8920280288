// Package forms holds the payment-form model and its store operations.
// A form is a pending merchant-side intent to receive a specific amount
// of a specific token at a specific address before a deadline.
package forms

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/build"
	"gitlab.com/arcanecrypto/troncoil/db"
)

var log = build.AddSubLogger("FORM")

// Status is the lifecycle state of a payment form
type Status string

const (
	// StatusPending means the form is awaiting payment
	StatusPending Status = "pending"
	// StatusPaid means the form was settled by exactly one confirmed
	// transaction. Terminal.
	StatusPaid Status = "paid"
	// StatusExpired means the deadline passed unpaid. Terminal.
	StatusExpired Status = "expired"
)

// Form is the DB type for a payment form. This struct is only
// responsible for DB serialization and deserialization.
type Form struct {
	ID            int     `db:"id"`
	FormID        string  `db:"form_id"`
	Amount        float64 `db:"amount"`
	Currency      string  `db:"currency"`
	Description   string  `db:"description"`
	Status        Status  `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
	// ExpiresAt is absolute epoch seconds
	ExpiresAt     float64 `db:"expires_at"`
	WalletAddress string  `db:"wallet_address"`
}

// ExpiresTime converts the stored epoch deadline to a time.Time
func (f Form) ExpiresTime() time.Time {
	seconds := int64(f.ExpiresAt)
	nanos := int64((f.ExpiresAt - float64(seconds)) * float64(time.Second))
	return time.Unix(seconds, nanos)
}

// IsExpired reports whether the deadline has passed at the given time
func (f Form) IsExpired(now time.Time) bool {
	return float64(now.Unix()) > f.ExpiresAt
}

// New describes a form to insert
type New struct {
	FormID        string
	Amount        float64
	Currency      string
	Description   string
	WalletAddress string
	ExpiresHours  int
}

// Insert creates a form in pending state. It returns false when a form
// with the same ID already exists.
func Insert(pool *db.Pool, form New) (bool, error) {
	expiresAt := float64(time.Now().Unix()) + float64(form.ExpiresHours)*3600

	err := pool.With(func(handle *sqlx.DB) error {
		now := time.Now().UTC()
		_, err := handle.Exec(`
			INSERT INTO payment_forms
			(form_id, amount, currency, description, status, created_at, updated_at, expires_at, wallet_address)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			form.FormID, form.Amount, form.Currency, form.Description,
			StatusPending, now, now, expiresAt, form.WalletAddress)
		return err
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "could not insert payment form")
	}

	log.WithField("formId", form.FormID).Info("Created payment form")
	return true, nil
}

// GetByID looks a form up by its identifier. Returns nil when no such
// form exists.
func GetByID(pool *db.Pool, formID string) (*Form, error) {
	var form Form
	err := pool.With(func(handle *sqlx.DB) error {
		return handle.Get(&form,
			"SELECT * FROM payment_forms WHERE form_id = ?", formID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not get form %s", formID)
	}
	return &form, nil
}

// GetActive lists forms that are pending and not yet expired at the
// given time, newest first
func GetActive(pool *db.Pool, now time.Time) ([]Form, error) {
	active := []Form{}
	err := pool.With(func(handle *sqlx.DB) error {
		return handle.Select(&active, `
			SELECT * FROM payment_forms
			WHERE status = ? AND expires_at > ?
			ORDER BY created_at DESC`,
			StatusPending, float64(now.Unix()))
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not list active forms")
	}
	return active, nil
}

// ExpireOld transitions every overdue pending form to expired in one
// statement and returns the number of rows affected. The status guard
// makes the sweep idempotent and ensures expiry can never overwrite
// paid.
func ExpireOld(pool *db.Pool, now time.Time) (int64, error) {
	var affected int64
	err := pool.With(func(handle *sqlx.DB) error {
		result, err := handle.Exec(`
			UPDATE payment_forms
			SET status = ?, updated_at = ?
			WHERE status = ? AND expires_at <= ?`,
			StatusExpired, time.Now().UTC(), StatusPending, float64(now.Unix()))
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "could not expire old forms")
	}
	return affected, nil
}
