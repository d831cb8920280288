// Package validation provides the pure predicates the payment engine
// applies to addresses, amounts, descriptions and on-chain transfers.
// Every function here is deterministic; the confirmation and contract
// checks take their explorer lookups through an injected DetailsSource.
package validation

import (
	"math"
	"regexp"
	"strings"

	"gitlab.com/arcanecrypto/troncoil/tronscan"
)

// Supported currencies
const (
	CurrencyTRX  = "TRX"
	CurrencyUSDT = "USDT"
)

// USDTContract is the official TRC-20 USDT token contract on TRON. A
// transfer claiming to be USDT under any other contract is counterfeit.
const USDTContract = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

// MaxAmountLimit is the absolute upper bound on any amount, regardless
// of currency
const MaxAmountLimit = 1e15

// AmountPrecision is the number of decimal places amounts are stored
// and compared with
const AmountPrecision = 4

var (
	tronAddress = regexp.MustCompile(`^T[A-Za-z0-9]{33}$`)
	zeroAddress = "T" + strings.Repeat("0", 33)
)

// AmountLimits holds the per-currency bounds an amount must fall into
type AmountLimits struct {
	MinUSDT, MaxUSDT float64
	MinTRX, MaxTRX   float64
	// Max caps all currencies; zero means MaxAmountLimit
	Max float64
}

// DefaultAmountLimits returns the stock bounds: USDT 0.1..10000,
// TRX 1..100000
func DefaultAmountLimits() AmountLimits {
	return AmountLimits{
		MinUSDT: 0.1,
		MaxUSDT: 10_000,
		MinTRX:  1,
		MaxTRX:  100_000,
		Max:     MaxAmountLimit,
	}
}

// IsValidAddress reports whether the string is a well-formed TRON
// address: 34 characters, T-prefixed, and not the all-zero address
func IsValidAddress(address string) bool {
	if !tronAddress.MatchString(address) {
		return false
	}
	return address != zeroAddress
}

// Round4 rounds an amount to the canonical 4 decimal places
func Round4(amount float64) float64 {
	return math.Round(amount*10_000) / 10_000
}

// IsValidAmount reports whether the amount is a finite positive number
// with at most 4 decimal places inside the per-currency bounds
func IsValidAmount(amount float64, currency string, limits AmountLimits) bool {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return false
	}
	if amount <= 0 {
		return false
	}
	max := limits.Max
	if max == 0 {
		max = MaxAmountLimit
	}
	if amount > max {
		return false
	}
	if math.Abs(amount-Round4(amount)) > 0 {
		return false
	}

	switch currency {
	case CurrencyUSDT:
		return amount >= limits.MinUSDT && amount <= limits.MaxUSDT
	case CurrencyTRX:
		return amount >= limits.MinTRX && amount <= limits.MaxTRX
	}
	return false
}

// dangerous characters that have no business in a payment description
var dangerousChars = []rune{'<', '>', '"', '\'', '&', '\n', '\r', '\t', 0x00, 0x1a}

// sqlKeywords rejected by substring match, case-insensitive
var sqlKeywords = []string{
	"SELECT", "INSERT", "UPDATE", "DELETE", "DROP", "CREATE",
	"ALTER", "EXEC", "UNION", "SCRIPT", "JAVASCRIPT", "EXECUTE",
	"TRUNCATE", "GRANT", "REVOKE", "COMMIT", "ROLLBACK",
}

var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)vbscript:`),
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)</script>`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
}

// IsValidDescription reports whether a payment description is safe to
// store and echo back. Empty descriptions are permitted.
func IsValidDescription(description string, maxLength int) bool {
	if maxLength <= 0 {
		maxLength = 500
	}
	if len(description) > maxLength {
		return false
	}

	for _, char := range description {
		for _, dangerous := range dangerousChars {
			if char == dangerous {
				return false
			}
		}
		if char < 32 && char != ' ' && char != '\t' {
			return false
		}
	}

	upper := strings.ToUpper(description)
	for _, keyword := range sqlKeywords {
		if strings.Contains(upper, keyword) {
			return false
		}
	}

	for _, pattern := range scriptPatterns {
		if pattern.MatchString(description) {
			return false
		}
	}
	return true
}

// IsValidSender reports whether the sending address may pay us: it must
// be a well-formed address, not blacklisted, and not the merchant wallet
// itself
func IsValidSender(from, merchantWallet string, blacklist []string) bool {
	if !IsValidAddress(from) {
		return false
	}
	lowered := strings.ToLower(from)
	for _, blocked := range blacklist {
		if lowered == strings.ToLower(strings.TrimSpace(blocked)) {
			return false
		}
	}
	return lowered != strings.ToLower(merchantWallet)
}

// IsFresh reports whether a transfer's timestamp (milliseconds) is
// recent enough to settle a form and not implausibly in the future
func IsFresh(timestampMillis, nowMillis, maxAgeMillis, futureToleranceMillis int64) bool {
	if nowMillis-timestampMillis > maxAgeMillis {
		return false
	}
	return timestampMillis <= nowMillis+futureToleranceMillis
}

// DetailsSource fetches per-transaction detail from the explorer
type DetailsSource interface {
	GetTransactionDetails(hash string) (*tronscan.TransactionDetails, error)
}

// HasEnoughConfirmations passes transfers the envelope already asserts
// as confirmed; otherwise it consults the detail endpoint and requires
// the given confirmation count
func HasEnoughConfirmations(tx *tronscan.ParsedTransfer, source DetailsSource, required int) bool {
	if tx.Confirmed {
		return true
	}

	details, err := source.GetTransactionDetails(tx.TransactionID)
	if err != nil || details == nil {
		return false
	}
	return details.Confirmations >= int64(required)
}

// HasOfficialUSDTContract verifies the token contract identity of a
// USDT transfer. Non-USDT transfers pass. If the envelope carried the
// token descriptor it is checked directly; otherwise every TRC-20
// transfer in the fetched details must name the official contract.
func HasOfficialUSDTContract(tx *tronscan.ParsedTransfer, source DetailsSource) bool {
	if tx.Currency != CurrencyUSDT {
		return true
	}

	if tx.TokenID != "" {
		return tx.TokenID == USDTContract
	}

	details, err := source.GetTransactionDetails(tx.TransactionID)
	if err != nil || details == nil {
		return false
	}
	for _, transfer := range details.TRC20Transfers {
		if transfer.Token.TokenID != USDTContract {
			return false
		}
	}
	return true
}

// AmountsMatch reports whether two amounts are equal at the canonical
// 4 decimal places. Amounts one quantum apart are distinct.
func AmountsMatch(a, b float64) bool {
	return Round4(a) == Round4(b)
}
