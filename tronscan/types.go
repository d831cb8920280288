package tronscan

// TokenInfo is the canonical token descriptor attached to a TRC-20
// transfer. The explorer spells its fields differently between the list
// and detail endpoints, see wire.go.
type TokenInfo struct {
	Symbol   string
	Decimals int
	TokenID  string
}

// ContractData is the native-coin payload of a transaction record
type ContractData struct {
	Amount       int64
	OwnerAddress string
	ToAddress    string
}

// TRC20Transfer is a single token movement inside a transaction
type TRC20Transfer struct {
	FromAddress string
	ToAddress   string
	// AmountRaw is the transferred amount in the token's smallest unit,
	// as reported by the explorer
	AmountRaw string
	Token     TokenInfo
}

// Transfer is one validated record from the explorer's list endpoints.
// TRC-20 transfers fetched from /token_trc20/transfers are normalized
// into this same envelope with TRC20 set, so downstream code never sees
// two list shapes.
type Transfer struct {
	Hash      string
	Timestamp int64 // milliseconds since epoch
	Confirmed bool

	ContractData *ContractData
	TRC20        *TRC20Transfer
}

// TransactionDetails is the per-transaction detail returned by
// /transaction-info
type TransactionDetails struct {
	Confirmed      bool
	Confirmations  int64
	ContractData   *ContractData
	TRC20Transfers []TRC20Transfer
}

// ParsedTransfer is the canonical record the rest of the engine works
// with. Amounts are in whole coins, not smallest units.
type ParsedTransfer struct {
	TransactionID string
	FromAddress   string
	ToAddress     string
	Amount        float64
	Currency      string
	Timestamp     int64 // milliseconds since epoch
	Confirmed     bool
	// TokenID is the token contract address for TRC-20 transfers, empty
	// for native TRX
	TokenID string
}

// AccountInfo is the subset of /account we expose
type AccountInfo struct {
	Address string
	Balance int64
}
