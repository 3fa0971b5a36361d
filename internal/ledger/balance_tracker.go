package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances for one Torex instance.
// Not thread-safe — only accessed from the single-threaded core.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance directly sets a balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === Vault queries ===

// VaultInBalance returns accumulated, not-yet-moved in-asset
func (bt *BalanceTracker) VaultInBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeVaultIn, assetID))
}

// VaultOutBalance returns out-asset held and not yet distributed
func (bt *BalanceTracker) VaultOutBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeVaultOut, assetID))
}

// FeeBufferBalance returns the reserved fee-distribution buffer
func (bt *BalanceTracker) FeeBufferBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeFeeBuffer, assetID))
}

// === Trader queries ===

// TraderContribPaid returns the trader's net paid-in contribution
// (accruals + back-adjustment charges − refunds).
func (bt *BalanceTracker) TraderContribPaid(trader uuid.UUID, assetID AssetID) int64 {
	return -bt.GetBalance(NewTraderAccountKey(trader, SubTypeContribOutflow, assetID))
}

// TraderFeePaid returns the trader's total fee outflow (never refunded).
func (bt *BalanceTracker) TraderFeePaid(trader uuid.UUID, assetID AssetID) int64 {
	return -bt.GetBalance(NewTraderAccountKey(trader, SubTypeFeeOutflow, assetID))
}

// === Invariant checks ===

// ValidateVaultNonNegative checks that instance vault accounts never go negative
func (bt *BalanceTracker) ValidateVaultNonNegative(assetIn, assetOut AssetID) error {
	if b := bt.VaultInBalance(assetIn); b < 0 {
		return fmt.Errorf("vault_in has negative balance: %d", b)
	}
	if b := bt.VaultOutBalance(assetOut); b < 0 {
		return fmt.Errorf("vault_out has negative balance: %d", b)
	}
	if b := bt.FeeBufferBalance(assetIn); b < 0 {
		return fmt.Errorf("fee_buffer has negative balance: %d", b)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (must be 0 per asset)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing and persistence)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
