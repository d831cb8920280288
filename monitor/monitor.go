// Package monitor runs the reconciliation loop: it polls the explorer
// for transfers to the merchant wallet, matches them against active
// payment forms by their perturbed amounts, and settles matches
// atomically in the store.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/build"
	"gitlab.com/arcanecrypto/troncoil/config"
	"gitlab.com/arcanecrypto/troncoil/db"
	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/models/transactions"
	"gitlab.com/arcanecrypto/troncoil/payerr"
	"gitlab.com/arcanecrypto/troncoil/payments"
	"gitlab.com/arcanecrypto/troncoil/tronscan"
	"gitlab.com/arcanecrypto/troncoil/util"
	"gitlab.com/arcanecrypto/troncoil/validation"
)

var log = build.AddSubLogger("MNTR")

const (
	// DefaultInterval is the pause between reconciliation cycles
	DefaultInterval = 3 * time.Second

	cycleDeadline = 30 * time.Second
	maxWorkers    = 10
	listLimit     = 50

	// processedCap bounds the dedup set of transaction hashes
	processedCap = 10_000

	maxConsecutiveErrors = 5
	maxErrorSleep        = 300 * time.Second
)

// Explorer is the slice of the explorer client the reconciler needs.
// It also satisfies validation.DetailsSource.
type Explorer interface {
	GetAccountTransactions(address string, limit, start int) ([]tronscan.Transfer, error)
	GetTRC20Transfers(address string) ([]tronscan.Transfer, error)
	GetTransactionDetails(hash string) (*tronscan.TransactionDetails, error)
	ParseTransaction(transfer tronscan.Transfer) (*tronscan.ParsedTransfer, error)
}

// Monitor polls for incoming transfers and settles matching forms
type Monitor struct {
	pool     *db.Pool
	explorer Explorer
	manager  *payments.Manager
	conf     config.Config

	callbacks *callbackRegistry

	// processed dedups transaction hashes across cycles
	processed *lru.Cache[string, struct{}]

	// inFlight guards each hash between match and settlement so two
	// workers never race the same transaction inside one process
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	lastSeenMillis int64

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	cycleTimeout time.Duration
	now          func() time.Time
}

// New wires a reconciler against the store, explorer and form manager
func New(pool *db.Pool, explorer Explorer, manager *payments.Manager, conf config.Config) (*Monitor, error) {
	processed, err := lru.New[string, struct{}](processedCap)
	if err != nil {
		return nil, errors.Wrap(err, "could not create processed set")
	}
	return &Monitor{
		pool:      pool,
		explorer:  explorer,
		manager:   manager,
		conf:      conf,
		callbacks:    newCallbackRegistry(),
		processed:    processed,
		inFlight:     make(map[string]struct{}),
		cycleTimeout: cycleDeadline,
		now:          time.Now,
	}, nil
}

// RegisterPaymentCallback arranges for callback to fire at most once
// when the given form settles
func (m *Monitor) RegisterPaymentCallback(formID string, callback PaymentCallback) {
	m.callbacks.register(formID, callback)
}

// UnregisterPaymentCallback removes a previously registered callback
func (m *Monitor) UnregisterPaymentCallback(formID string) {
	m.callbacks.unregister(formID)
}

// StartMonitoring launches the reconciliation loop. A non-positive
// interval gets the default.
func (m *Monitor) StartMonitoring(interval time.Duration) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return errors.New("monitor is already running")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(interval)

	log.WithField("interval", interval).Info("Started transaction monitor")
	return nil
}

// StopMonitoring signals the loop to stop and waits for the running
// cycle to finish
func (m *Monitor) StopMonitoring() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stop)
	done := m.done
	m.runMu.Unlock()

	<-done

	m.runMu.Lock()
	m.running = false
	m.runMu.Unlock()
	log.Info("Stopped transaction monitor")
}

func (m *Monitor) run(interval time.Duration) {
	defer close(m.done)

	consecutive := 0
	for {
		select {
		case <-m.stop:
			return
		default:
		}

		if err := m.cycle(); err != nil {
			consecutive++
			log.WithError(err).WithField("consecutive", consecutive).
				Error("Reconciliation cycle failed")
			if consecutive >= maxConsecutiveErrors {
				log.Error("Too many consecutive failures, monitor giving up")
				return
			}
			if !m.pause(minDuration(time.Duration(consecutive)*interval, maxErrorSleep)) {
				return
			}
			continue
		}

		consecutive = 0
		if !m.pause(interval) {
			return
		}
	}
}

// pause sleeps for d unless stopped first
func (m *Monitor) pause(d time.Duration) bool {
	select {
	case <-m.stop:
		return false
	case <-time.After(d):
		return true
	}
}

// cycle runs one reconciliation pass under the cycle deadline
func (m *Monitor) cycle() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cycleTimeout)
	defer cancel()

	if _, err := m.manager.ExpireOverdue(); err != nil {
		return err
	}

	active, err := m.manager.ActiveForms()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	now := m.now()
	watermark := now.Add(-m.conf.MaxTransactionAge).UnixMilli()
	if m.lastSeenMillis > watermark {
		watermark = m.lastSeenMillis
	}

	transfers, err := m.fetchTransfers()
	if err != nil {
		return err
	}

	var fresh []tronscan.Transfer
	newest := m.lastSeenMillis
	for _, transfer := range transfers {
		if transfer.Timestamp > newest {
			newest = transfer.Timestamp
		}
		if transfer.Timestamp < watermark {
			continue
		}
		if m.processed.Contains(transfer.Hash) {
			continue
		}
		fresh = append(fresh, transfer)
	}
	m.lastSeenMillis = newest

	if len(fresh) == 0 {
		return nil
	}

	workers := len(active)
	if workers > maxWorkers {
		workers = maxWorkers
	}

	jobs := make(chan tronscan.Transfer)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for transfer := range jobs {
				if ctx.Err() != nil {
					return
				}
				m.process(transfer, active, now)
			}
		}()
	}

feed:
	for _, transfer := range fresh {
		select {
		case jobs <- transfer:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)

	// a worker stuck in a slow explorer call must not stall the loop or
	// StopMonitoring; past the deadline it is left to finish on its own.
	// An overrun is not a cycle failure.
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		log.Warn("Cycle deadline reached with workers still busy")
	}
	return nil
}

// fetchTransfers pulls both native and TRC-20 transfers touching the
// wallet, newest first
func (m *Monitor) fetchTransfers() ([]tronscan.Transfer, error) {
	native, err := m.explorer.GetAccountTransactions(m.conf.WalletAddress, listLimit, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not list native transactions")
	}
	tokens, err := m.explorer.GetTRC20Transfers(m.conf.WalletAddress)
	if err != nil {
		return nil, errors.Wrap(err, "could not list token transfers")
	}
	return append(native, tokens...), nil
}

// process runs the short-circuit match chain for one transfer: cheap
// local checks first, explorer-backed checks last, settlement only for
// a transfer that survives everything
func (m *Monitor) process(transfer tronscan.Transfer, active []forms.Form, now time.Time) {
	if m.processed.Contains(transfer.Hash) {
		return
	}

	existing, err := transactions.GetByTxID(m.pool, transfer.Hash)
	if err != nil {
		log.WithError(err).Warn("Could not check transaction store")
		return
	}
	if existing != nil {
		m.processed.Add(transfer.Hash, struct{}{})
		return
	}

	parsed, err := m.explorer.ParseTransaction(transfer)
	if err != nil {
		log.WithError(err).WithField("txId", util.MaskAddress(transfer.Hash)).
			Debug("Could not parse transfer")
		return
	}
	if !strings.EqualFold(parsed.ToAddress, m.conf.WalletAddress) {
		return
	}

	form := matchForm(parsed, active)
	if form == nil {
		return
	}

	if !validation.HasEnoughConfirmations(parsed, m.explorer, m.conf.MinConfirmations(parsed.Currency)) {
		log.WithField("txId", util.MaskAddress(parsed.TransactionID)).
			Debug("Transfer not confirmed yet")
		return
	}
	if !validation.IsValidSender(parsed.FromAddress, m.conf.WalletAddress, m.conf.BlacklistedAddresses) {
		log.WithField("from", util.MaskAddress(parsed.FromAddress)).
			Warn("Rejected transfer from invalid sender")
		m.processed.Add(transfer.Hash, struct{}{})
		return
	}
	if !validation.IsFresh(parsed.Timestamp, now.UnixMilli(),
		m.conf.MaxTransactionAge.Milliseconds(), m.conf.FutureTolerance.Milliseconds()) {
		log.WithField("txId", util.MaskAddress(parsed.TransactionID)).
			Debug("Transfer timestamp outside the accepted window")
		return
	}
	if !validation.HasOfficialUSDTContract(parsed, m.explorer) {
		log.WithField("txId", util.MaskAddress(parsed.TransactionID)).
			Warn("Rejected transfer with counterfeit token contract")
		m.processed.Add(transfer.Hash, struct{}{})
		return
	}

	if !m.lockInFlight(parsed.TransactionID) {
		return
	}
	defer m.unlockInFlight(parsed.TransactionID)

	m.settle(parsed, *form)
}

// matchForm finds the active form the transfer pays, by exact perturbed
// amount and currency
func matchForm(parsed *tronscan.ParsedTransfer, active []forms.Form) *forms.Form {
	for i := range active {
		if active[i].Currency != parsed.Currency {
			continue
		}
		if validation.AmountsMatch(active[i].Amount, parsed.Amount) {
			return &active[i]
		}
	}
	return nil
}

func (m *Monitor) settle(parsed *tronscan.ParsedTransfer, form forms.Form) {
	err := transactions.SettleAtomic(m.pool, transactions.SettleParams{
		TransactionID: parsed.TransactionID,
		FormID:        form.FormID,
		FromAddress:   parsed.FromAddress,
		ToAddress:     parsed.ToAddress,
		Amount:        parsed.Amount,
		Currency:      parsed.Currency,
	})
	if err != nil {
		switch payerr.KindOf(err) {
		case payerr.AlreadyProcessed:
			m.processed.Add(parsed.TransactionID, struct{}{})
		case payerr.FormNotPending, payerr.RaceLost:
			log.WithField("formId", form.FormID).Debug("Form settled by a concurrent transfer")
		case payerr.Expired:
			log.WithField("formId", form.FormID).Info("Form expired before settlement")
		default:
			log.WithError(err).WithField("formId", form.FormID).Error("Settlement failed")
		}
		return
	}

	m.processed.Add(parsed.TransactionID, struct{}{})
	m.manager.InvalidateCaches(form.FormID)

	log.WithFields(map[string]interface{}{
		"formId":   form.FormID,
		"txId":     util.MaskAddress(parsed.TransactionID),
		"currency": parsed.Currency,
	}).Info("Payment received")

	if callback, ok := m.callbacks.take(form.FormID); ok {
		formID := form.FormID
		fire(callback, form, transactions.Transaction{
			TransactionID: parsed.TransactionID,
			FromAddress:   parsed.FromAddress,
			ToAddress:     parsed.ToAddress,
			Amount:        parsed.Amount,
			Currency:      parsed.Currency,
			Status:        transactions.StatusConfirmed,
			PaymentFormID: &formID,
		})
	}
}

func (m *Monitor) lockInFlight(txID string) bool {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	if _, busy := m.inFlight[txID]; busy {
		return false
	}
	m.inFlight[txID] = struct{}{}
	return true
}

func (m *Monitor) unlockInFlight(txID string) {
	m.inFlightMu.Lock()
	defer m.inFlightMu.Unlock()
	delete(m.inFlight, txID)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
