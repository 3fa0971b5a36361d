package query

import "github.com/google/uuid"

// TraderBalanceResponse reports what one trader has paid into an instance.
// Outflow accounts go negative as value leaves the trader, so the paid-in
// figures here are the negated projection balances.
type TraderBalanceResponse struct {
	Torex  string    `json:"torex"`
	Trader uuid.UUID `json:"trader"`
	Asset  string    `json:"asset"`

	NetContribPaid int64 `json:"net_contrib_paid"` // contributions minus refunds
	FeesPaid       int64 `json:"fees_paid"`        // fees are never refunded

	AsOfSequence int64 `json:"as_of_sequence"` // projection watermark
}

// InstanceBalancesResponse reports the system accounts of one instance.
type InstanceBalancesResponse struct {
	Torex string `json:"torex"`

	VaultIn   int64 `json:"vault_in"`
	VaultOut  int64 `json:"vault_out"`
	FeeBuffer int64 `json:"fee_buffer"`
	Fees      int64 `json:"fees"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MovementHistoryResponse is one completed movement cycle.
type MovementHistoryResponse struct {
	Sequence    int64  `json:"sequence"`
	Torex       string `json:"torex"`
	InAmount    int64  `json:"in_amount"`
	OutAmount   int64  `json:"out_amount"`
	Distributed int64  `json:"distributed"`
	MovedAt     int64  `json:"moved_at"`
}

// FlowHistoryResponse is one flow lifecycle change.
type FlowHistoryResponse struct {
	Sequence      int64  `json:"sequence"`
	Torex         string `json:"torex"`
	TraderAccount string `json:"trader_account"`
	ChangeType    string `json:"change_type"`
	ChangedAt     int64  `json:"changed_at"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
