package payments

import (
	"net/url"
	"strconv"

	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/models/transactions"
	"gitlab.com/arcanecrypto/troncoil/validation"
)

// PaymentState is the coarse answer to "has this form been paid yet"
type PaymentState string

const (
	// StateWaiting means the form is pending and no transfer has been
	// seen for it
	StateWaiting PaymentState = "waiting"
	// StatePending means a transfer was recorded but is not confirmed
	StatePending PaymentState = "pending"
	StatePaid    PaymentState = "paid"
	StateExpired PaymentState = "expired"
)

// PaymentStatus pairs the state with the form and, when one exists, the
// transaction that settles or will settle it
type PaymentStatus struct {
	State       PaymentState
	Form        *FormView
	Transaction *transactions.Transaction
}

// PaymentURL renders the TronLink deep link for a form. USDT forms
// carry the official token contract so the wallet preselects the right
// asset.
func (m *Manager) PaymentURL(formID string) (string, error) {
	view, err := m.GetForm(formID)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("address", view.WalletAddress)
	params.Set("amount", formatAmount(view.Amount))
	if view.Currency == validation.CurrencyUSDT {
		params.Set("token", validation.USDTContract)
	}
	return "tronlink://send?" + params.Encode(), nil
}

// PaymentQRData renders the URI encoded into payment QR codes
func (m *Manager) PaymentQRData(formID string) (string, error) {
	view, err := m.GetForm(formID)
	if err != nil {
		return "", err
	}

	data := "tron:" + view.WalletAddress + "?amount=" + formatAmount(view.Amount)
	if view.Currency == validation.CurrencyUSDT {
		data += "&token=" + validation.USDTContract
	}
	return data, nil
}

// CheckPaymentStatus projects the current payment state of a form. The
// store is read directly so the answer never lags the read cache.
func (m *Manager) CheckPaymentStatus(formID string) (*PaymentStatus, error) {
	form, err := forms.GetByID(m.pool, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, nil
	}

	view := viewOf(*form)
	status := &PaymentStatus{Form: view}

	switch {
	case form.Status == forms.StatusExpired || form.IsExpired(m.now()):
		status.State = StateExpired
	case form.Status == forms.StatusPaid:
		status.State = StatePaid
	default:
		status.State = StateWaiting
	}

	recorded, err := transactions.GetByForm(m.pool, formID)
	if err != nil {
		return nil, err
	}
	if len(recorded) > 0 {
		status.Transaction = &recorded[0]
		if status.State == StateWaiting {
			status.State = StatePending
		}
	}
	return status, nil
}

// TransactionHistory lists the settlement rows for a form, or every
// locally pending transaction when formID is empty
func (m *Manager) TransactionHistory(formID string) ([]transactions.Transaction, error) {
	if formID == "" {
		return transactions.GetPending(m.pool)
	}
	return transactions.GetByForm(m.pool, formID)
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}
