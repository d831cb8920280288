package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/troncoil/config"
	"gitlab.com/arcanecrypto/troncoil/db"
	"gitlab.com/arcanecrypto/troncoil/models/forms"
	"gitlab.com/arcanecrypto/troncoil/models/transactions"
	"gitlab.com/arcanecrypto/troncoil/payerr"
	"gitlab.com/arcanecrypto/troncoil/payments"
	"gitlab.com/arcanecrypto/troncoil/testutil"
	"gitlab.com/arcanecrypto/troncoil/tronscan"
	"gitlab.com/arcanecrypto/troncoil/validation"
)

const (
	testWallet = "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"
	testSender = "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH"
)

// stubExplorer serves canned transfers and per-hash details. A non-nil
// detailsGate makes detail lookups block until it is closed.
type stubExplorer struct {
	tokens      []tronscan.Transfer
	native      []tronscan.Transfer
	details     map[string]*tronscan.TransactionDetails
	detailsGate chan struct{}

	listCalls int32
}

func (s *stubExplorer) GetAccountTransactions(address string, limit, start int) ([]tronscan.Transfer, error) {
	atomic.AddInt32(&s.listCalls, 1)
	return s.native, nil
}

func (s *stubExplorer) GetTRC20Transfers(address string) ([]tronscan.Transfer, error) {
	return s.tokens, nil
}

func (s *stubExplorer) GetTransactionDetails(hash string) (*tronscan.TransactionDetails, error) {
	if s.detailsGate != nil {
		<-s.detailsGate
	}
	if details, ok := s.details[hash]; ok {
		return details, nil
	}
	return nil, payerr.Newf(payerr.APIRejected, "no details for %s", hash)
}

func (s *stubExplorer) ParseTransaction(transfer tronscan.Transfer) (*tronscan.ParsedTransfer, error) {
	if transfer.TRC20 == nil {
		return nil, payerr.New(payerr.APIRejected, "no payload")
	}
	raw, err := strconv.ParseFloat(transfer.TRC20.AmountRaw, 64)
	if err != nil {
		return nil, payerr.New(payerr.APIRejected, "bad amount")
	}
	return &tronscan.ParsedTransfer{
		TransactionID: transfer.Hash,
		FromAddress:   transfer.TRC20.FromAddress,
		ToAddress:     transfer.TRC20.ToAddress,
		Amount:        raw / 1e6,
		Currency:      transfer.TRC20.Token.Symbol,
		Timestamp:     transfer.Timestamp,
		Confirmed:     transfer.Confirmed,
		TokenID:       transfer.TRC20.Token.TokenID,
	}, nil
}

func testConf() config.Config {
	return config.Config{
		WalletAddress:           testWallet,
		MinUSDTAmount:           0.1,
		MaxUSDTAmount:           10_000,
		MinTRXAmount:            1,
		MaxTRXAmount:            100_000,
		MaxAmountLimit:          validation.MaxAmountLimit,
		MaxDescriptionLength:    500,
		MaxTransactionAge:       2 * time.Hour,
		FutureTolerance:         5 * time.Minute,
		MinConfirmationsTRX:     19,
		MinConfirmationsUSDT:    19,
		DefaultMinConfirmations: 19,
		MaxTotalForms:           1000,
		MaxUserFormsPerHour:     1000,
		MaxUserCounters:         10_000,
		UserCountersCleanup:     time.Hour,
		DefaultFormExpiresHours: 24,
		CacheExpiry:             300 * time.Second,
		MaxFormCacheSize:        1000,
	}
}

type harness struct {
	pool     *db.Pool
	explorer *stubExplorer
	manager  *payments.Manager
	monitor  *Monitor
}

func newHarness(t *testing.T, name string) *harness {
	t.Helper()
	conf := testConf()
	pool := testutil.InitDatabase(t, testutil.GetDatabaseConfig(t, name))
	explorer := &stubExplorer{details: map[string]*tronscan.TransactionDetails{}}
	manager := payments.NewManager(pool, explorer, conf)
	mon, err := New(pool, explorer, manager, conf)
	require.NoError(t, err)
	return &harness{pool: pool, explorer: explorer, manager: manager, monitor: mon}
}

func (h *harness) createForm(t *testing.T, amount float64) *payments.FormView {
	t.Helper()
	view, err := h.manager.CreateForm(payments.CreateFormParams{
		Amount:   amount,
		Currency: validation.CurrencyUSDT,
	})
	require.NoError(t, err)
	// creation caches the empty active list, drop it so the next cycle
	// sees the new form
	h.manager.InvalidateCaches(view.FormID)
	return view
}

func usdtTransfer(hash string, amount float64, tokenID string) tronscan.Transfer {
	return tronscan.Transfer{
		Hash:      hash,
		Timestamp: time.Now().UnixMilli(),
		Confirmed: true,
		TRC20: &tronscan.TRC20Transfer{
			FromAddress: testSender,
			ToAddress:   testWallet,
			AmountRaw:   fmt.Sprintf("%.0f", amount*1e6),
			Token: tronscan.TokenInfo{
				Symbol:   validation.CurrencyUSDT,
				Decimals: 6,
				TokenID:  tokenID,
			},
		},
	}
}

func TestCycleSettlesMatchingTransfer(t *testing.T) {
	h := newHarness(t, "mon_settle")
	view := h.createForm(t, 10)

	hash := strings.Repeat("a", 64)
	h.explorer.tokens = []tronscan.Transfer{
		usdtTransfer(hash, view.Amount, validation.USDTContract),
	}

	var fired int32
	h.monitor.RegisterPaymentCallback(view.FormID,
		func(form forms.Form, tx transactions.Transaction) {
			atomic.AddInt32(&fired, 1)
		})

	require.NoError(t, h.monitor.cycle())

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	require.NotNil(t, form)
	assert.Equal(t, forms.StatusPaid, form.Status)

	tx, err := transactions.GetByTxID(h.pool, hash)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, transactions.StatusConfirmed, tx.Status)

	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))

	// a second cycle must not refire or duplicate anything
	require.NoError(t, h.monitor.cycle())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
	history, err := transactions.GetByForm(h.pool, view.FormID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCycleRejectsCounterfeitUSDT(t *testing.T) {
	h := newHarness(t, "mon_counterfeit")
	view := h.createForm(t, 25)

	hash := strings.Repeat("b", 64)
	h.explorer.tokens = []tronscan.Transfer{
		usdtTransfer(hash, view.Amount, "TFakeUSDTContractAddressXXXXXXXXXX"),
	}

	require.NoError(t, h.monitor.cycle())

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	require.NotNil(t, form)
	assert.Equal(t, forms.StatusPending, form.Status,
		"a transfer under the wrong contract must never settle")

	tx, err := transactions.GetByTxID(h.pool, hash)
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestCycleRejectsBlacklistedSender(t *testing.T) {
	h := newHarness(t, "mon_blacklist")
	h.monitor.conf.BlacklistedAddresses = []string{testSender}
	view := h.createForm(t, 30)

	h.explorer.tokens = []tronscan.Transfer{
		usdtTransfer(strings.Repeat("c", 64), view.Amount, validation.USDTContract),
	}

	require.NoError(t, h.monitor.cycle())

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	assert.Equal(t, forms.StatusPending, form.Status)
}

func TestCycleRejectsUnconfirmedTransfer(t *testing.T) {
	h := newHarness(t, "mon_unconfirmed")
	view := h.createForm(t, 40)

	hash := strings.Repeat("d", 64)
	transfer := usdtTransfer(hash, view.Amount, validation.USDTContract)
	transfer.Confirmed = false
	h.explorer.tokens = []tronscan.Transfer{transfer}
	h.explorer.details[hash] = &tronscan.TransactionDetails{Confirmations: 5}

	require.NoError(t, h.monitor.cycle())

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	assert.Equal(t, forms.StatusPending, form.Status,
		"five confirmations are not enough to settle")

	// once the chain catches up the same transfer settles
	h.explorer.details[hash] = &tronscan.TransactionDetails{Confirmations: 20}
	h.manager.InvalidateCaches(view.FormID)
	require.NoError(t, h.monitor.cycle())

	form, err = forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	assert.Equal(t, forms.StatusPaid, form.Status)
}

func TestCycleMatchesWalletCaseInsensitively(t *testing.T) {
	h := newHarness(t, "mon_casefold")
	view := h.createForm(t, 60)

	hash := strings.Repeat("e", 64)
	transfer := usdtTransfer(hash, view.Amount, validation.USDTContract)
	transfer.TRC20.ToAddress = strings.ToLower(testWallet)
	h.explorer.tokens = []tronscan.Transfer{transfer}

	require.NoError(t, h.monitor.cycle())

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	require.NotNil(t, form)
	assert.Equal(t, forms.StatusPaid, form.Status,
		"the merchant wallet comparison ignores case")
}

func TestCycleDeadlineDoesNotStall(t *testing.T) {
	h := newHarness(t, "mon_deadline")
	h.monitor.cycleTimeout = 100 * time.Millisecond
	view := h.createForm(t, 70)

	release := make(chan struct{})
	h.explorer.detailsGate = release

	transfer := usdtTransfer(strings.Repeat("f", 64), view.Amount, validation.USDTContract)
	transfer.Confirmed = false
	h.explorer.tokens = []tronscan.Transfer{transfer}

	start := time.Now()
	require.NoError(t, h.monitor.cycle(),
		"a worker stuck in an explorer call must not fail the cycle")
	assert.Less(t, time.Since(start), 2*time.Second,
		"the cycle returns at its deadline instead of waiting out the worker")
	close(release)

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	require.NotNil(t, form)
	assert.Equal(t, forms.StatusPending, form.Status)
}

func TestCycleSkipsExplorerWithoutForms(t *testing.T) {
	h := newHarness(t, "mon_idle")

	require.NoError(t, h.monitor.cycle())
	assert.Zero(t, atomic.LoadInt32(&h.explorer.listCalls),
		"no active forms means no explorer traffic")
}

func TestCycleExpiresOverdueForms(t *testing.T) {
	h := newHarness(t, "mon_expire")
	view := h.createForm(t, 55)

	// backdate the deadline directly in the store
	err := h.pool.With(func(handle *sqlx.DB) error {
		_, err := handle.Exec(
			"UPDATE payment_forms SET expires_at = ? WHERE form_id = ?",
			float64(time.Now().Add(-time.Minute).Unix()), view.FormID)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, h.monitor.cycle())

	form, err := forms.GetByID(h.pool, view.FormID)
	require.NoError(t, err)
	assert.Equal(t, forms.StatusExpired, form.Status)
}

func TestStartStopMonitoring(t *testing.T) {
	h := newHarness(t, "mon_lifecycle")

	require.NoError(t, h.monitor.StartMonitoring(50*time.Millisecond))
	assert.Error(t, h.monitor.StartMonitoring(50*time.Millisecond),
		"double start must be rejected")

	time.Sleep(150 * time.Millisecond)
	h.monitor.StopMonitoring()

	// stop is idempotent and restart works
	h.monitor.StopMonitoring()
	require.NoError(t, h.monitor.StartMonitoring(50*time.Millisecond))
	h.monitor.StopMonitoring()
}
