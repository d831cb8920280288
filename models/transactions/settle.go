package transactions

import (
	"database/sql"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/asyncutil"
	"gitlab.com/arcanecrypto/troncoil/db"
	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/payerr"
	"gitlab.com/arcanecrypto/troncoil/util"
	"gitlab.com/arcanecrypto/troncoil/validation"
)

// settleMu serializes settlement attempts within the process. SQLite's
// write lock serializes across processes; the mutex keeps our own
// workers from burning busy-retries against each other.
var settleMu sync.Mutex

const (
	settleAttempts   = 4
	settleRetrySleep = 100 * time.Millisecond
)

// SettleParams describes a confirmed on-chain transfer to pair with a
// pending payment form.
type SettleParams struct {
	TransactionID string
	FormID        string
	FromAddress   string
	ToAddress     string
	Amount        float64
	Currency      string
	Description   *string
}

// SettleAtomic records a confirmed transaction against its form and
// flips the form to paid in a single IMMEDIATE transaction. Exactly one
// concurrent caller per transaction hash can succeed; all others fail
// with a kind describing the reason: already_processed, form_not_pending,
// expired, mismatch or race_lost. Lock contention is retried with
// backoff and reported as storage_busy once attempts are exhausted.
func SettleAtomic(pool *db.Pool, params SettleParams) error {
	settleMu.Lock()
	defer settleMu.Unlock()

	err := asyncutil.RetryBackoff(settleAttempts, settleRetrySleep, 2, db.IsBusy,
		func() error {
			return pool.With(func(handle *sqlx.DB) error {
				return settleOnce(handle, params)
			})
		})
	if err != nil && payerr.KindOf(err) == "" {
		if db.IsBusy(err) {
			return &payerr.Error{Kind: payerr.StorageBusy,
				Message: "database locked, settlement attempts exhausted", Err: err}
		}
		return &payerr.Error{Kind: payerr.StorageFailed,
			Message: "settlement failed", Err: err}
	}
	return err
}

// settleOnce runs one settlement attempt on a pinned connection. The
// handle holds exactly one underlying session, so the manual
// BEGIN IMMEDIATE and its COMMIT are guaranteed to share it.
func settleOnce(handle *sqlx.DB, params SettleParams) error {
	if _, err := handle.Exec("BEGIN IMMEDIATE"); err != nil {
		return errors.Wrap(err, "could not begin immediate transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = handle.Exec("ROLLBACK")
		}
	}()

	// a transaction hash settles at most once
	var existing int
	err := handle.Get(&existing,
		"SELECT COUNT(*) FROM transactions WHERE transaction_id = ?",
		params.TransactionID)
	if err != nil {
		return errors.Wrap(err, "could not check for existing transaction")
	}
	if existing > 0 {
		return payerr.Newf(payerr.AlreadyProcessed,
			"transaction %s already processed", params.TransactionID)
	}

	var form forms.Form
	err = handle.Get(&form,
		"SELECT * FROM payment_forms WHERE form_id = ? AND status = ?",
		params.FormID, forms.StatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return payerr.Newf(payerr.FormNotPending,
			"form %s is not pending", params.FormID)
	}
	if err != nil {
		return errors.Wrapf(err, "could not read form %s", params.FormID)
	}

	now := time.Now()
	if form.IsExpired(now) {
		// the batched sweep owns the pending -> expired transition;
		// settlement only refuses to pay out on an overdue form
		return payerr.Newf(payerr.Expired, "form %s expired at %s",
			params.FormID, form.ExpiresTime().Format(time.RFC3339))
	}

	if !validation.AmountsMatch(form.Amount, params.Amount) || form.Currency != params.Currency {
		return payerr.Newf(payerr.Mismatch,
			"transfer of %s %s does not match form %s expecting %s %s",
			util.MaskAmount(params.Amount), params.Currency,
			params.FormID, util.MaskAmount(form.Amount), form.Currency)
	}

	insertedAt := now.UTC()
	_, err = handle.Exec(`
		INSERT INTO transactions
		(transaction_id, from_address, to_address, amount, currency, status,
		 created_at, updated_at, payment_form_id, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.TransactionID, params.FromAddress, params.ToAddress,
		params.Amount, params.Currency, StatusConfirmed,
		insertedAt, insertedAt, params.FormID, params.Description)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return payerr.Newf(payerr.AlreadyProcessed,
				"transaction %s already processed", params.TransactionID)
		}
		return errors.Wrap(err, "could not insert settled transaction")
	}

	// the status guard plus rowcount check is the race decider: if
	// another writer paid the form between our read and here, zero rows
	// match and we must not keep the inserted transaction
	result, err := handle.Exec(`
		UPDATE payment_forms SET status = ?, updated_at = ?
		WHERE form_id = ? AND status = ?`,
		forms.StatusPaid, insertedAt, params.FormID, forms.StatusPending)
	if err != nil {
		return errors.Wrapf(err, "could not mark form %s paid", params.FormID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "could not read settlement rowcount")
	}
	if affected != 1 {
		return payerr.Newf(payerr.RaceLost,
			"form %s was settled by a concurrent transaction", params.FormID)
	}

	if _, err := handle.Exec("COMMIT"); err != nil {
		return errors.Wrap(err, "could not commit settlement")
	}
	committed = true

	log.WithFields(map[string]interface{}{
		"formId":   params.FormID,
		"txId":     util.MaskAddress(params.TransactionID),
		"currency": params.Currency,
	}).Info("Settled payment form")
	return nil
}
