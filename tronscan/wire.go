// Wire formats for the three explorer endpoints. All renaming between
// explorer field names and our canonical records happens in this file,
// nowhere else.

package tronscan

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/troncoil/payerr"
)

// reservedKeys are rejected anywhere in a response body. Explorer
// responses get consumed by JS frontends as well, and a payload smuggling
// these keys is not something we want to cache or forward.
var reservedKeys = []string{"__proto__", "constructor", "prototype", "eval", "function"}

var hexHash = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

const (
	maxRecordAge    = 365 * 24 * time.Hour
	maxRecordFuture = 24 * time.Hour
)

// wireTokenInfo accepts both spellings of the token descriptor: the
// TRC-20 list endpoint uses tokenAbbr/tokenDecimal, the detail endpoint
// uses symbol/decimals.
type wireTokenInfo struct {
	TokenAbbr    string `json:"tokenAbbr"`
	TokenDecimal int    `json:"tokenDecimal"`
	Symbol       string `json:"symbol"`
	Decimals     int    `json:"decimals"`
	TokenID      string `json:"tokenId"`
}

func (w wireTokenInfo) toTokenInfo() TokenInfo {
	info := TokenInfo{
		Symbol:   w.TokenAbbr,
		Decimals: w.TokenDecimal,
		TokenID:  w.TokenID,
	}
	if info.Symbol == "" {
		info.Symbol = w.Symbol
	}
	if info.Decimals == 0 {
		info.Decimals = w.Decimals
	}
	return info
}

type wireContractData struct {
	Amount       int64  `json:"amount"`
	OwnerAddress string `json:"owner_address"`
	ToAddress    string `json:"to_address"`
}

func (w *wireContractData) toContractData() *ContractData {
	if w == nil {
		return nil
	}
	return &ContractData{
		Amount:       w.Amount,
		OwnerAddress: w.OwnerAddress,
		ToAddress:    w.ToAddress,
	}
}

// wireTransaction is one record of the /transaction list envelope
type wireTransaction struct {
	Hash         string            `json:"hash"`
	Timestamp    int64             `json:"timestamp"`
	Confirmed    bool              `json:"confirmed"`
	ContractData *wireContractData `json:"contractData"`
}

type wireTransactionList struct {
	Data []json.RawMessage `json:"data"`
}

// wireTRC20Transfer is one record of the /token_trc20/transfers envelope
type wireTRC20Transfer struct {
	TransactionID string        `json:"transaction_id"`
	BlockTS       int64         `json:"block_ts"`
	FromAddress   string        `json:"from_address"`
	ToAddress     string        `json:"to_address"`
	Quant         string        `json:"quant"`
	Confirmed     bool          `json:"confirmed"`
	TokenInfo     wireTokenInfo `json:"tokenInfo"`
}

// wireTRC20List covers the envelope variance seen in the wild: some
// deployments use token_transfers, others data, and a few return a bare
// top-level array.
type wireTRC20List struct {
	TokenTransfers []json.RawMessage `json:"token_transfers"`
	Data           []json.RawMessage `json:"data"`
}

type wireDetailTransfer struct {
	FromAddress string        `json:"from_address"`
	ToAddress   string        `json:"to_address"`
	AmountStr   string        `json:"amount_str"`
	TokenInfo   wireTokenInfo `json:"tokenInfo"`
}

type wireTransactionInfo struct {
	Confirmed         bool                 `json:"confirmed"`
	Confirmations     int64                `json:"confirmations"`
	ContractData      *wireContractData    `json:"contractData"`
	TRC20TransferInfo []wireDetailTransfer `json:"trc20TransferInfo"`
}

// validateBody rejects bodies that are not JSON objects (or, when
// allowList is set, top-level arrays) and bodies containing reserved
// keys at any depth.
func validateBody(body []byte, allowList bool) (interface{}, error) {
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, payerr.Newf(payerr.APIRejected, "response is not valid JSON: %v", err)
	}

	switch decoded.(type) {
	case map[string]interface{}:
	case []interface{}:
		if !allowList {
			return nil, payerr.New(payerr.APIRejected, "response is not a JSON object")
		}
	default:
		return nil, payerr.New(payerr.APIRejected, "response is not a JSON object")
	}

	if key, found := findReservedKey(decoded); found {
		return nil, payerr.Newf(payerr.APIRejected, "response contains reserved key %q", key)
	}
	return decoded, nil
}

func findReservedKey(v interface{}) (string, bool) {
	switch typed := v.(type) {
	case map[string]interface{}:
		for key, value := range typed {
			for _, reserved := range reservedKeys {
				if key == reserved {
					return key, true
				}
			}
			if found, ok := findReservedKey(value); ok {
				return found, true
			}
		}
	case []interface{}:
		for _, elem := range typed {
			if found, ok := findReservedKey(elem); ok {
				return found, true
			}
		}
	}
	return "", false
}

// validRecord checks the hash shape and that the record's timestamp is
// plausible: no older than a year, no more than a day in the future.
func validRecord(hash string, timestamp int64, now time.Time) bool {
	if !hexHash.MatchString(hash) {
		return false
	}
	nowMillis := now.UnixMilli()
	if timestamp < nowMillis-maxRecordAge.Milliseconds() {
		return false
	}
	if timestamp > nowMillis+maxRecordFuture.Milliseconds() {
		return false
	}
	return true
}

// decodeTransactionList maps a /transaction body into canonical
// transfers, dropping records that fail validation.
func decodeTransactionList(body []byte, now time.Time) ([]Transfer, error) {
	if _, err := validateBody(body, false); err != nil {
		return nil, err
	}

	var envelope wireTransactionList
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, payerr.Newf(payerr.APIRejected, "malformed transaction envelope: %v", err)
	}

	transfers := make([]Transfer, 0, len(envelope.Data))
	for _, raw := range envelope.Data {
		var record wireTransaction
		if err := json.Unmarshal(raw, &record); err != nil {
			log.WithError(err).Warn("Dropping undecodable transaction record")
			continue
		}
		if !validRecord(record.Hash, record.Timestamp, now) {
			log.WithField("hash", record.Hash).Warn("Dropping invalid transaction record")
			continue
		}
		transfers = append(transfers, Transfer{
			Hash:         record.Hash,
			Timestamp:    record.Timestamp,
			Confirmed:    record.Confirmed,
			ContractData: record.ContractData.toContractData(),
		})
	}
	return transfers, nil
}

// decodeTRC20List maps a /token_trc20/transfers body into the same
// canonical envelope as decodeTransactionList, with the token payload
// embedded so parsing never needs a second round trip.
func decodeTRC20List(body []byte, now time.Time) ([]Transfer, error) {
	if _, err := validateBody(body, true); err != nil {
		return nil, err
	}

	var records []json.RawMessage
	var envelope wireTRC20List
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.TokenTransfers != nil:
			records = envelope.TokenTransfers
		case envelope.Data != nil:
			records = envelope.Data
		}
	}
	if records == nil {
		// neither envelope key present: treat the top-level list as the body
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, payerr.Newf(payerr.APIRejected, "malformed TRC-20 envelope: %v", err)
		}
	}

	transfers := make([]Transfer, 0, len(records))
	for _, raw := range records {
		var record wireTRC20Transfer
		if err := json.Unmarshal(raw, &record); err != nil {
			log.WithError(err).Warn("Dropping undecodable TRC-20 record")
			continue
		}
		if !validRecord(record.TransactionID, record.BlockTS, now) {
			log.WithField("hash", record.TransactionID).Warn("Dropping invalid TRC-20 record")
			continue
		}
		transfers = append(transfers, Transfer{
			Hash:      record.TransactionID,
			Timestamp: record.BlockTS,
			Confirmed: record.Confirmed,
			TRC20: &TRC20Transfer{
				FromAddress: record.FromAddress,
				ToAddress:   record.ToAddress,
				AmountRaw:   record.Quant,
				Token:       record.TokenInfo.toTokenInfo(),
			},
		})
	}
	return transfers, nil
}

func decodeTransactionInfo(body []byte) (*TransactionDetails, error) {
	if _, err := validateBody(body, false); err != nil {
		return nil, err
	}

	var info wireTransactionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrap(err, "malformed transaction-info body")
	}

	details := &TransactionDetails{
		Confirmed:     info.Confirmed,
		Confirmations: info.Confirmations,
		ContractData:  info.ContractData.toContractData(),
	}
	for _, transfer := range info.TRC20TransferInfo {
		details.TRC20Transfers = append(details.TRC20Transfers, TRC20Transfer{
			FromAddress: transfer.FromAddress,
			ToAddress:   transfer.ToAddress,
			AmountRaw:   transfer.AmountStr,
			Token:       transfer.TokenInfo.toTokenInfo(),
		})
	}
	return details, nil
}

type wireAccount struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

func decodeAccount(body []byte) (*AccountInfo, error) {
	if _, err := validateBody(body, false); err != nil {
		return nil, err
	}
	var account wireAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, errors.Wrap(err, "malformed account body")
	}
	return &AccountInfo{Address: account.Address, Balance: account.Balance}, nil
}
