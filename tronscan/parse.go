package tronscan

import (
	"math"
	"strconv"

	"gitlab.com/arcanecrypto/troncoil/payerr"
)

// sunPerTRX is the native smallest-unit divisor
const sunPerTRX = 1e6

// ParseTransaction resolves a list-endpoint transfer into the canonical
// record. Transfers carrying an embedded TRC-20 payload never trigger a
// detail lookup; bare native records resolve from their contract data,
// and anything else falls back to /transaction-info.
func (c *Client) ParseTransaction(transfer Transfer) (*ParsedTransfer, error) {
	if transfer.TRC20 != nil {
		return parseTRC20(transfer.Hash, transfer.Timestamp, transfer.Confirmed, *transfer.TRC20)
	}

	if transfer.ContractData != nil {
		return &ParsedTransfer{
			TransactionID: transfer.Hash,
			FromAddress:   transfer.ContractData.OwnerAddress,
			ToAddress:     transfer.ContractData.ToAddress,
			Amount:        float64(transfer.ContractData.Amount) / sunPerTRX,
			Currency:      "TRX",
			Timestamp:     transfer.Timestamp,
			Confirmed:     transfer.Confirmed,
		}, nil
	}

	details, err := c.GetTransactionDetails(transfer.Hash)
	if err != nil {
		return nil, err
	}

	if len(details.TRC20Transfers) > 0 {
		return parseTRC20(transfer.Hash, transfer.Timestamp, details.Confirmed, details.TRC20Transfers[0])
	}
	if details.ContractData != nil {
		return &ParsedTransfer{
			TransactionID: transfer.Hash,
			FromAddress:   details.ContractData.OwnerAddress,
			ToAddress:     details.ContractData.ToAddress,
			Amount:        float64(details.ContractData.Amount) / sunPerTRX,
			Currency:      "TRX",
			Timestamp:     transfer.Timestamp,
			Confirmed:     details.Confirmed,
		}, nil
	}

	return nil, payerr.Newf(payerr.APIRejected, "transaction %s has no transfer payload", transfer.Hash)
}

func parseTRC20(hash string, timestamp int64, confirmed bool, transfer TRC20Transfer) (*ParsedTransfer, error) {
	raw, err := strconv.ParseFloat(transfer.AmountRaw, 64)
	if err != nil {
		return nil, payerr.Newf(payerr.APIRejected, "transaction %s has unparseable amount %q", hash, transfer.AmountRaw)
	}

	amount := raw / math.Pow10(transfer.Token.Decimals)

	return &ParsedTransfer{
		TransactionID: hash,
		FromAddress:   transfer.FromAddress,
		ToAddress:     transfer.ToAddress,
		Amount:        amount,
		Currency:      transfer.Token.Symbol,
		Timestamp:     timestamp,
		Confirmed:     confirmed,
		TokenID:       transfer.Token.TokenID,
	}, nil
}
