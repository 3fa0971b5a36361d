package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeStreamAccrual JournalType = iota // contrib stream settled into vault_in
	JournalTypeFeeStream                        // fee stream settled into fee_distribution
	JournalTypeBackAdjustCharge
	JournalTypeBackAdjustRefund
	JournalTypeFeeBackCharge
	JournalTypeFeeBufferReserve
	JournalTypeFeeBufferRelease
	JournalTypeMoveOut      // in-asset handed to the liquidity mover
	JournalTypeMoveProceeds // out-asset supplied by the mover
	JournalTypeDistribution // out-asset paid to the distribution pool
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeStreamAccrual:
		return "stream_accrual"
	case JournalTypeFeeStream:
		return "fee_stream"
	case JournalTypeBackAdjustCharge:
		return "back_adjust_charge"
	case JournalTypeBackAdjustRefund:
		return "back_adjust_refund"
	case JournalTypeFeeBackCharge:
		return "fee_back_charge"
	case JournalTypeFeeBufferReserve:
		return "fee_buffer_reserve"
	case JournalTypeFeeBufferRelease:
		return "fee_buffer_release"
	case JournalTypeMoveOut:
		return "move_out"
	case JournalTypeMoveProceeds:
		return "move_proceeds"
	case JournalTypeDistribution:
		return "distribution"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries applied atomically
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (unix seconds)
}

// Batch represents a set of journal entries applied atomically
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry is a balanced
// transfer by construction (one positive amount moves credit → debit), so
// Σ debits == Σ credits holds per entry; multi-leg operations use multiple
// entries under one batch_id.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}

// BatchBuilder accumulates journal entries for one event.
// Zero-amount transfers are elided rather than rejected, so call sites can
// append deltas unconditionally.
type BatchBuilder struct {
	batch *Batch
}

func NewBatchBuilder(eventRef string, sequence, timestamp int64) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 4),
		},
	}
}

// Transfer appends a journal moving amount from credit to debit.
// A negative amount flips direction; zero is a no-op.
func (bb *BatchBuilder) Transfer(debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		debit, credit = credit, debit
		amount = -amount
	}

	bb.batch.Journals = append(bb.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       bb.batch.BatchID,
		EventRef:      bb.batch.EventRef,
		Sequence:      bb.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     bb.batch.Timestamp,
	})
}

// Build returns the accumulated batch. Empty batches are valid — state-only
// events still need an envelope in the event log.
func (bb *BatchBuilder) Build() *Batch {
	return bb.batch
}
