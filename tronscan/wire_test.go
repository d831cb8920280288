package tronscan

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/troncoil/payerr"
)

var wireNow = time.Unix(1_700_000_000, 0)

func wireHash(c byte) string {
	return strings.Repeat(string(c), 64)
}

func TestDecodeTransactionList(t *testing.T) {
	t.Parallel()
	body := fmt.Sprintf(`{
		"total": 2,
		"data": [
			{
				"hash": "%s",
				"timestamp": %d,
				"confirmed": true,
				"contractData": {
					"amount": 1500000,
					"owner_address": "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH",
					"to_address": "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"
				}
			},
			{
				"hash": "%s",
				"timestamp": %d,
				"confirmed": false
			}
		]
	}`, wireHash('a'), wireNow.UnixMilli(), wireHash('b'), wireNow.UnixMilli()-1000)

	transfers, err := decodeTransactionList([]byte(body), wireNow)
	require.NoError(t, err)
	require.Len(t, transfers, 2)

	assert.Equal(t, wireHash('a'), transfers[0].Hash)
	assert.True(t, transfers[0].Confirmed)
	require.NotNil(t, transfers[0].ContractData)
	assert.EqualValues(t, 1_500_000, transfers[0].ContractData.Amount)
	assert.Equal(t, "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE", transfers[0].ContractData.ToAddress)

	assert.Nil(t, transfers[1].ContractData)
}

func TestDecodeTransactionListDropsInvalidRecords(t *testing.T) {
	t.Parallel()
	yearAgo := wireNow.Add(-366 * 24 * time.Hour).UnixMilli()
	twoDaysAhead := wireNow.Add(48 * time.Hour).UnixMilli()

	body := fmt.Sprintf(`{"data": [
		{"hash": "not-a-hash", "timestamp": %d},
		{"hash": "%s", "timestamp": %d},
		{"hash": "%s", "timestamp": %d},
		{"hash": "%s", "timestamp": %d}
	]}`,
		wireNow.UnixMilli(),
		wireHash('a'), yearAgo,
		wireHash('b'), twoDaysAhead,
		wireHash('c'), wireNow.UnixMilli())

	transfers, err := decodeTransactionList([]byte(body), wireNow)
	require.NoError(t, err)
	require.Len(t, transfers, 1, "malformed, stale and far-future records are dropped")
	assert.Equal(t, wireHash('c'), transfers[0].Hash)
}

func TestDecodeRejectsReservedKeys(t *testing.T) {
	t.Parallel()
	bodies := []string{
		`{"__proto__": {}, "data": []}`,
		`{"data": [{"constructor": 1}]}`,
		`{"data": [{"nested": {"deep": {"eval": "x"}}}]}`,
	}
	for _, body := range bodies {
		_, err := decodeTransactionList([]byte(body), wireNow)
		require.Error(t, err)
		assert.Equal(t, payerr.APIRejected, payerr.KindOf(err))
	}
}

func TestDecodeRejectsNonObjects(t *testing.T) {
	t.Parallel()
	_, err := decodeTransactionList([]byte(`"just a string"`), wireNow)
	require.Error(t, err)
	assert.Equal(t, payerr.APIRejected, payerr.KindOf(err))

	_, err = decodeTransactionList([]byte(`[1, 2, 3]`), wireNow)
	require.Error(t, err)
	assert.Equal(t, payerr.APIRejected, payerr.KindOf(err),
		"the transaction endpoint never returns bare arrays")

	_, err = decodeTransactionList([]byte(`{broken`), wireNow)
	require.Error(t, err)
	assert.Equal(t, payerr.APIRejected, payerr.KindOf(err))
}

func trc20Record(hash string) string {
	return fmt.Sprintf(`{
		"transaction_id": "%s",
		"block_ts": %d,
		"from_address": "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH",
		"to_address": "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
		"quant": "10123400",
		"confirmed": true,
		"tokenInfo": {
			"tokenAbbr": "USDT",
			"tokenDecimal": 6,
			"tokenId": "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
		}
	}`, hash, wireNow.UnixMilli())
}

func TestDecodeTRC20ListEnvelopeVariants(t *testing.T) {
	t.Parallel()
	record := trc20Record(wireHash('d'))

	// the three envelope shapes seen across explorer deployments
	bodies := []string{
		`{"token_transfers": [` + record + `]}`,
		`{"data": [` + record + `]}`,
		`[` + record + `]`,
	}

	for _, body := range bodies {
		transfers, err := decodeTRC20List([]byte(body), wireNow)
		require.NoError(t, err)
		require.Len(t, transfers, 1)

		transfer := transfers[0]
		assert.Equal(t, wireHash('d'), transfer.Hash)
		assert.True(t, transfer.Confirmed)
		require.NotNil(t, transfer.TRC20)
		assert.Equal(t, "10123400", transfer.TRC20.AmountRaw)
		assert.Equal(t, "USDT", transfer.TRC20.Token.Symbol)
		assert.Equal(t, 6, transfer.TRC20.Token.Decimals)
		assert.Equal(t, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", transfer.TRC20.Token.TokenID)
	}
}

func TestDecodeTransactionInfo(t *testing.T) {
	t.Parallel()
	body := `{
		"confirmed": true,
		"confirmations": 27,
		"trc20TransferInfo": [{
			"from_address": "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH",
			"to_address": "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
			"amount_str": "5000000",
			"tokenInfo": {
				"symbol": "USDT",
				"decimals": 6,
				"tokenId": "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
			}
		}]
	}`

	details, err := decodeTransactionInfo([]byte(body))
	require.NoError(t, err)
	assert.True(t, details.Confirmed)
	assert.EqualValues(t, 27, details.Confirmations)
	require.Len(t, details.TRC20Transfers, 1)
	assert.Equal(t, "5000000", details.TRC20Transfers[0].AmountRaw)
	assert.Equal(t, "USDT", details.TRC20Transfers[0].Token.Symbol)
	assert.Equal(t, 6, details.TRC20Transfers[0].Token.Decimals)
}

func TestParseTransactionEmbeddedTRC20(t *testing.T) {
	t.Parallel()
	// an embedded token payload must resolve without any client round trip
	transfer := Transfer{
		Hash:      wireHash('e'),
		Timestamp: wireNow.UnixMilli(),
		Confirmed: true,
		TRC20: &TRC20Transfer{
			FromAddress: "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH",
			ToAddress:   "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
			AmountRaw:   "10123400",
			Token: TokenInfo{
				Symbol:   "USDT",
				Decimals: 6,
				TokenID:  "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
			},
		},
	}

	var client Client
	parsed, err := client.ParseTransaction(transfer)
	require.NoError(t, err)
	assert.Equal(t, 10.1234, parsed.Amount)
	assert.Equal(t, "USDT", parsed.Currency)
	assert.Equal(t, "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", parsed.TokenID)
	assert.True(t, parsed.Confirmed)
}

func TestParseTransactionNative(t *testing.T) {
	t.Parallel()
	transfer := Transfer{
		Hash:      wireHash('f'),
		Timestamp: wireNow.UnixMilli(),
		Confirmed: true,
		ContractData: &ContractData{
			Amount:       1_500_000,
			OwnerAddress: "TLyqzVGLV1srkB7dToTAEqgDSfPtXRJZYH",
			ToAddress:    "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
		},
	}

	var client Client
	parsed, err := client.ParseTransaction(transfer)
	require.NoError(t, err)
	assert.Equal(t, 1.5, parsed.Amount, "sun converts to TRX at 1e6")
	assert.Equal(t, "TRX", parsed.Currency)
	assert.Empty(t, parsed.TokenID)
}
