// Package payments implements the merchant-facing form manager: the
// creation pipeline with its rate limits and amount perturbation, form
// lookups behind a short-TTL cache, and the payment URL projections.
package payments

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"gitlab.com/arcanecrypto/troncoil/build"
	"gitlab.com/arcanecrypto/troncoil/config"
	"gitlab.com/arcanecrypto/troncoil/db"
	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/models/transactions"
	"gitlab.com/arcanecrypto/troncoil/payerr"
	"gitlab.com/arcanecrypto/troncoil/tronscan"
	"gitlab.com/arcanecrypto/troncoil/util"
	"gitlab.com/arcanecrypto/troncoil/validation"
)

var log = build.AddSubLogger("PAYM")

const (
	// activeFormsTTL bounds how stale the cached active-form list the
	// reconciler works from may get
	activeFormsTTL = 10 * time.Second

	// similarityThreshold rejects a requested base amount too close to
	// anything in the collision set, before perturbation
	similarityThreshold = 0.01

	// collisionWindow is how far back on-chain transfers count against
	// new perturbed amounts
	collisionWindow = time.Hour

	// collisionTransferCap bounds the on-chain part of the collision set
	collisionTransferCap = 20

	insertAttempts = 3
)

// Explorer is the slice of the explorer client the form manager needs
type Explorer interface {
	GetAccountTransactions(address string, limit, start int) ([]tronscan.Transfer, error)
	GetTRC20Transfers(address string) ([]tronscan.Transfer, error)
	ParseTransaction(transfer tronscan.Transfer) (*tronscan.ParsedTransfer, error)
}

// FormView is the caller-facing projection of a payment form
type FormView struct {
	FormID   string
	Amount   float64
	Currency string
	// OriginalAmount is the base amount before perturbation. Only set
	// on the view returned from CreateForm; it is not persisted.
	OriginalAmount float64
	Description    string
	Status         forms.Status
	WalletAddress  string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// CreateFormParams describes a form creation request
type CreateFormParams struct {
	Amount      float64
	Currency    string
	Description string
	// UserKey scopes the per-user rate limits; empty skips them
	UserKey string
	// ExpiresHours defaults to the configured expiry when zero
	ExpiresHours int
}

// Manager owns the payment-form lifecycle
type Manager struct {
	pool     *db.Pool
	explorer Explorer
	conf     config.Config

	limiter   *formLimiter
	formCache *expirable.LRU[string, *FormView]

	activeMu      sync.Mutex
	activeForms   []forms.Form
	activeFetched time.Time

	now func() time.Time
}

// NewManager wires a form manager against the store and explorer
func NewManager(pool *db.Pool, explorer Explorer, conf config.Config) *Manager {
	return &Manager{
		pool:     pool,
		explorer: explorer,
		conf:     conf,
		limiter: newFormLimiter(conf.MinFormCreationInterval, conf.MinUserFormInterval,
			conf.MaxUserFormsPerHour, conf.MaxUserCounters, conf.UserCountersCleanup),
		formCache: expirable.NewLRU[string, *FormView](conf.MaxFormCacheSize, nil, conf.CacheExpiry),
		now:       time.Now,
	}
}

// CreateForm runs the full creation pipeline: argument validation, rate
// limits, capacity check, amount perturbation against the collision
// set, and the insert. The returned view carries both the perturbed
// amount the payer must send and the original requested amount.
func (m *Manager) CreateForm(params CreateFormParams) (*FormView, error) {
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency != validation.CurrencyTRX && currency != validation.CurrencyUSDT {
		return nil, payerr.Newf(payerr.UnsupportedCurrency, "unsupported currency %q", params.Currency)
	}

	// rate limits come before validation: a throttled caller learns
	// nothing about what else was wrong with the request
	if err := m.limiter.check(params.UserKey); err != nil {
		return nil, err
	}

	if !validation.IsValidAmount(params.Amount, currency, m.conf.AmountLimits()) {
		return nil, payerr.Newf(payerr.InvalidArgument, "invalid %s amount", currency)
	}
	if !validation.IsValidDescription(params.Description, m.conf.MaxDescriptionLength) {
		return nil, payerr.New(payerr.ValidationFailed, "description failed validation")
	}

	expiresHours := params.ExpiresHours
	if expiresHours == 0 {
		expiresHours = m.conf.DefaultFormExpiresHours
	}
	if expiresHours < 1 || expiresHours > 168 {
		return nil, payerr.Newf(payerr.InvalidArgument, "expires_hours must be between 1 and 168, got %d", expiresHours)
	}

	active, err := forms.GetActive(m.pool, m.now())
	if err != nil {
		return nil, err
	}
	if len(active) >= m.conf.MaxTotalForms {
		return nil, payerr.Newf(payerr.FormCapExceeded, "active form limit of %d reached", m.conf.MaxTotalForms)
	}

	collisions := make([]float64, 0, len(active))
	for _, form := range active {
		if form.Currency == currency {
			collisions = append(collisions, form.Amount)
		}
	}
	collisions = m.appendStoredCollisions(collisions, currency)
	collisions = m.appendChainCollisions(collisions, currency)

	// the base amount must keep its distance from everything in the
	// collision set, not just active forms: a pending or recent on-chain
	// payment nearby could be mistaken for this form's
	for _, taken := range collisions {
		if diff := taken - params.Amount; diff < similarityThreshold && diff > -similarityThreshold {
			return nil, payerr.New(payerr.SimilarToRecent, "amount too close to a recent payment")
		}
	}

	amount, err := GenerateUniqueAmount(params.Amount, collisions)
	if err != nil {
		return nil, err
	}

	var formID string
	for attempt := 0; ; attempt++ {
		formID = uuid.New().String()
		inserted, err := forms.Insert(m.pool, forms.New{
			FormID:        formID,
			Amount:        amount,
			Currency:      currency,
			Description:   params.Description,
			WalletAddress: m.conf.WalletAddress,
			ExpiresHours:  expiresHours,
		})
		if err != nil {
			return nil, err
		}
		if inserted {
			break
		}
		if attempt+1 >= insertAttempts {
			return nil, payerr.New(payerr.StorageFailed, "could not allocate a unique form id")
		}
	}

	form, err := forms.GetByID(m.pool, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, payerr.Newf(payerr.StorageFailed, "form %s vanished after insert", formID)
	}

	m.limiter.record(params.UserKey)

	view := viewOf(*form)
	view.OriginalAmount = params.Amount
	m.formCache.Add(formID, view)

	log.WithFields(map[string]interface{}{
		"formId":   formID,
		"currency": currency,
		"amount":   util.MaskAmount(amount),
	}).Info("Created payment form")
	return view, nil
}

// GetForm looks a form up by ID through the read cache
func (m *Manager) GetForm(formID string) (*FormView, error) {
	if len(formID) != 36 {
		return nil, payerr.New(payerr.InvalidArgument, "form id must be a canonical UUID")
	}
	if _, err := uuid.Parse(formID); err != nil {
		return nil, payerr.New(payerr.InvalidArgument, "form id must be a canonical UUID")
	}

	if view, ok := m.formCache.Get(formID); ok {
		return view, nil
	}

	form, err := forms.GetByID(m.pool, formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, payerr.Newf(payerr.FormNotFound, "no form with id %s", formID)
	}

	view := viewOf(*form)
	m.formCache.Add(formID, view)
	return view, nil
}

// ActiveForms returns the pending, unexpired forms. Results are cached
// briefly so a tight reconciler loop doesn't hammer the store.
func (m *Manager) ActiveForms() ([]forms.Form, error) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()

	now := m.now()
	if m.activeForms != nil && now.Sub(m.activeFetched) < activeFormsTTL {
		return m.activeForms, nil
	}

	active, err := forms.GetActive(m.pool, now)
	if err != nil {
		return nil, err
	}
	m.activeForms = active
	m.activeFetched = now
	return active, nil
}

// InvalidateCaches drops the cached form views and active list, for use
// after settlement flips a form's status
func (m *Manager) InvalidateCaches(formID string) {
	m.formCache.Remove(formID)
	m.activeMu.Lock()
	m.activeForms = nil
	m.activeMu.Unlock()
}

// ExpireOverdue sweeps overdue pending forms into expired state
func (m *Manager) ExpireOverdue() (int64, error) {
	affected, err := forms.ExpireOld(m.pool, m.now())
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		m.activeMu.Lock()
		m.activeForms = nil
		m.activeMu.Unlock()
		log.WithField("count", affected).Info("Expired overdue forms")
	}
	return affected, nil
}

// appendStoredCollisions adds the amounts of locally pending
// transactions in the given currency
func (m *Manager) appendStoredCollisions(collisions []float64, currency string) []float64 {
	pending, err := transactions.GetPending(m.pool)
	if err != nil {
		log.WithError(err).Warn("Could not load pending transactions for collision set")
		return collisions
	}
	for _, tx := range pending {
		if tx.Currency == currency {
			collisions = append(collisions, tx.Amount)
		}
	}
	return collisions
}

// appendChainCollisions adds amounts of recent on-chain transfers to
// the merchant wallet. Explorer trouble degrades to the local set; a
// creation request should not fail because the explorer hiccuped.
func (m *Manager) appendChainCollisions(collisions []float64, currency string) []float64 {
	since := m.now().Add(-collisionWindow).UnixMilli()

	var recent []tronscan.Transfer
	native, err := m.explorer.GetAccountTransactions(m.conf.WalletAddress, collisionTransferCap, 0)
	if err != nil {
		log.WithError(err).Warn("Could not fetch recent transactions for collision set")
	} else {
		recent = append(recent, native...)
	}
	if currency == validation.CurrencyUSDT {
		tokens, err := m.explorer.GetTRC20Transfers(m.conf.WalletAddress)
		if err != nil {
			log.WithError(err).Warn("Could not fetch recent token transfers for collision set")
		} else {
			recent = append(recent, tokens...)
		}
	}

	added := 0
	for _, transfer := range recent {
		if added >= collisionTransferCap {
			break
		}
		if transfer.Timestamp < since {
			continue
		}
		parsed, err := m.explorer.ParseTransaction(transfer)
		if err != nil {
			continue
		}
		if parsed.Currency == currency && strings.EqualFold(parsed.ToAddress, m.conf.WalletAddress) {
			collisions = append(collisions, parsed.Amount)
			added++
		}
	}
	return collisions
}

func viewOf(form forms.Form) *FormView {
	return &FormView{
		FormID:        form.FormID,
		Amount:        form.Amount,
		Currency:      form.Currency,
		Description:   form.Description,
		Status:        form.Status,
		WalletAddress: form.WalletAddress,
		CreatedAt:     form.CreatedAt,
		ExpiresAt:     form.ExpiresTime(),
	}
}
