package torex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"torex/internal/controller"
	"torex/internal/distribution"
	"torex/internal/ledger"
	"torex/internal/torexmath"
	"torex/internal/trader"
)

// Torex is one continuous liquidity exchange instance: traders stream
// in-asset at per-second rates, accrued liquidity is periodically moved to
// out-asset through a mover priced against a time-weighted benchmark, and
// proceeds are distributed pro rata to the contributing traders.
//
// All methods are invoked from the single-threaded core; no locking here.
type Torex struct {
	cfg Config
	log zerolog.Logger

	inAssetID  ledger.AssetID
	outAssetID ledger.AssetID

	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	traders   *trader.Ledger
	feeAcc    *trader.FeeAccumulator

	outPool distribution.Pool // out-asset proceeds, units ∝ contribution rate
	feePool distribution.Pool // in-asset fees, units ∝ fee rate

	dispatcher *controller.Dispatcher

	lastMoveAt int64 // unix seconds of the last completed movement
	moving     bool  // reentrancy guard for MoveLiquidity

	controllerErrors uint64 // contained controller failures, monotonic
}

func NewTorex(cfg Config, log zerolog.Logger) (*Torex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	balances := ledger.NewBalanceTracker()

	t := &Torex{
		cfg:        cfg,
		log:        log.With().Str("torex", cfg.ID).Logger(),
		inAssetID:  ledger.RegisterAsset(cfg.InAsset),
		outAssetID: ledger.RegisterAsset(cfg.OutAsset),
		balances:   balances,
		validator:  ledger.NewInvariantValidator(balances),
		traders:    trader.NewLedger(),
		feeAcc:     trader.NewFeeAccumulator(cfg.FeeBufferPeriod),
		outPool:    distribution.NewInMemoryPool(),
		feePool:    distribution.NewInMemoryPool(),
		dispatcher: controller.NewDispatcher(cfg.ControllerBudget),
		lastMoveAt: cfg.CreatedAt,
	}
	return t, nil
}

func (t *Torex) ID() string { return t.cfg.ID }

// OnFlowChanged processes a trader's stream creation, update, or deletion
// (newRate == 0). It settles the trader's accrued streams, consults the
// controller for the new fee split, charges or refunds the back-adjustment
// for the current movement cycle, and rebalances the fee buffer — all in one
// atomically applied batch. The batch is returned for the event log.
func (t *Torex) OnFlowChanged(ctx context.Context, eventRef string, sequence int64, traderID uuid.UUID, newRate, now int64, userData []byte) (*ledger.Batch, error) {
	if newRate < 0 {
		return nil, fmt.Errorf("trader %s rate %d: %w", traderID, newRate, ErrNegativeFlowRate)
	}

	prev := t.traders.Get(traderID)
	if now < prev.SettledAt || now < t.lastMoveAt {
		return nil, fmt.Errorf("timestamp %d behind settled=%d last_move=%d: %w",
			now, prev.SettledAt, t.lastMoveAt, ErrStaleTimestamp)
	}

	// Deleting a stream that does not exist is a no-op, not an error; the
	// event still earns an empty batch in the log.
	if newRate == 0 && prev.GrossRate() == 0 {
		t.log.Debug().Str("trader", traderID.String()).Msg("delete of absent stream ignored")
		return ledger.NewBatchBuilder(eventRef, sequence, now).Build(), nil
	}

	// 1. Settle the trader's streams up to now at the previous rates.
	elapsedSettle := now - prev.SettledAt
	if prev.GrossRate() == 0 {
		elapsedSettle = 0
	}
	contribAccrued, err := torexmath.MulChecked(prev.ContribRate, elapsedSettle)
	if err != nil {
		return nil, fmt.Errorf("contrib accrual: %w", err)
	}
	feeAccrued, err := torexmath.MulChecked(prev.FeeRate, elapsedSettle)
	if err != nil {
		return nil, fmt.Errorf("fee accrual: %w", err)
	}

	// 2. Ask the controller for the fee slice. Creations and updates fail
	// hard on a controller error; deletions must always go through, so the
	// call is contained and a failure costs the controller its fee update.
	change := controller.FlowChange{
		TorexID:     t.cfg.ID,
		Trader:      traderID,
		PrevRate:    prev.GrossRate(),
		PrevFeeRate: prev.FeeRate,
		LastUpdated: prev.UpdatedAt,
		NewRate:     newRate,
		Now:         now,
		UserData:    userData,
	}

	var ctrlFee int64
	if newRate == 0 {
		contained, err := t.dispatcher.SafeCall(ctx, func(ctx context.Context) error {
			_, err := t.cfg.Controller.OnFlowChanged(ctx, change)
			return err
		})
		if err != nil {
			return nil, err
		}
		if contained != nil {
			t.containControllerFailure("flow_deleted", contained)
		}
	} else {
		err := t.dispatcher.UnsafeCall(ctx, func(ctx context.Context) error {
			fee, err := t.cfg.Controller.OnFlowChanged(ctx, change)
			ctrlFee = fee
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("controller rejected flow change: %w", err)
		}
	}

	// 3. Clamp the fee to the immutable ceiling and split the gross rate.
	newFee, err := torexmath.ClampFeeRate(ctrlFee, newRate, t.cfg.MaxAllowedFeePM)
	if err != nil {
		return nil, fmt.Errorf("fee clamp: %w", err)
	}
	newContrib := newRate - newFee

	// 4. Back-adjust both streams over the elapsed movement cycle, as if the
	// new rates had been in force since the last movement.
	elapsedCycle := now - t.lastMoveAt
	contribAdjust, err := torexmath.BackAdjustment(prev.ContribRate, newContrib, elapsedCycle)
	if err != nil {
		return nil, fmt.Errorf("contrib back-adjustment: %w", err)
	}
	feeAdjust, err := torexmath.BackAdjustment(prev.FeeRate, newFee, elapsedCycle)
	if err != nil {
		return nil, fmt.Errorf("fee back-adjustment: %w", err)
	}

	// 5. Preview the fee-buffer rebalance and the new pool units, so every
	// fallible computation precedes the first state mutation.
	requiredBuffer, err := t.feeAcc.RequiredBufferFor(prev.FeeRate, newFee)
	if err != nil {
		return nil, fmt.Errorf("fee buffer: %w", err)
	}
	bufferDelta := requiredBuffer - t.feeAcc.Buffer

	outUnits, err := t.cfg.OutPoolScaler.Scale(newContrib)
	if err != nil {
		return nil, fmt.Errorf("out pool units: %w", err)
	}
	feeUnits, err := t.cfg.FeePoolScaler.Scale(newFee)
	if err != nil {
		return nil, fmt.Errorf("fee pool units: %w", err)
	}

	// 6. Journal everything under one batch.
	contribKey := ledger.NewTraderAccountKey(traderID, ledger.SubTypeContribOutflow, t.inAssetID)
	feeKey := ledger.NewTraderAccountKey(traderID, ledger.SubTypeFeeOutflow, t.inAssetID)
	vaultIn := ledger.NewSystemAccountKey(ledger.SubTypeVaultIn, t.inAssetID)
	feeBuffer := ledger.NewSystemAccountKey(ledger.SubTypeFeeBuffer, t.inAssetID)
	feesAcct := ledger.NewSystemAccountKey(ledger.SubTypeFees, t.inAssetID)
	feeDist := ledger.NewExternalAccountKey(ledger.SubTypeExternalFeeDistribution, t.inAssetID)

	bb := ledger.NewBatchBuilder(eventRef, sequence, now)
	bb.Transfer(vaultIn, contribKey, t.inAssetID, contribAccrued, ledger.JournalTypeStreamAccrual)
	bb.Transfer(feeDist, feeKey, t.inAssetID, feeAccrued, ledger.JournalTypeFeeStream)

	switch {
	case contribAdjust > 0:
		bb.Transfer(vaultIn, contribKey, t.inAssetID, contribAdjust, ledger.JournalTypeBackAdjustCharge)
	case contribAdjust < 0:
		bb.Transfer(contribKey, vaultIn, t.inAssetID, -contribAdjust, ledger.JournalTypeBackAdjustRefund)
	}

	// Fee decreases never refund: the raised slice is already owed to the
	// fee pool's members.
	if feeAdjust > 0 {
		bb.Transfer(feeDist, feeKey, t.inAssetID, feeAdjust, ledger.JournalTypeFeeBackCharge)
	}

	switch {
	case bufferDelta > 0:
		bb.Transfer(feeBuffer, feeKey, t.inAssetID, bufferDelta, ledger.JournalTypeFeeBufferReserve)
	case bufferDelta < 0:
		// Released reserve accrues to the instance, never back to a trader.
		bb.Transfer(feesAcct, feeBuffer, t.inAssetID, -bufferDelta, ledger.JournalTypeFeeBufferRelease)
	}

	batch := bb.Build()
	if err := t.balances.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("apply flow batch: %w", err)
	}

	// 7. Mutate derived state: distribute settled fees at the old units,
	// then move the trader to the new rates and units, then distribute the
	// fee back-charge at the new units.
	if feeAccrued > 0 {
		if _, err := t.feePool.Distribute(feeAccrued); err != nil {
			panic(fmt.Sprintf("FATAL: fee pool distribute: %v", err))
		}
	}

	t.traders.Set(traderID, newContrib, newFee, now)
	if _, err := t.feeAcc.ApplyRateChange(prev.FeeRate, newFee); err != nil {
		panic(fmt.Sprintf("FATAL: fee accumulator diverged from preview: %v", err))
	}
	if err := t.outPool.UpdateMemberUnits(traderID, outUnits); err != nil {
		panic(fmt.Sprintf("FATAL: out pool units: %v", err))
	}
	if err := t.feePool.UpdateMemberUnits(traderID, feeUnits); err != nil {
		panic(fmt.Sprintf("FATAL: fee pool units: %v", err))
	}
	if feeAdjust > 0 {
		if _, err := t.feePool.Distribute(feeAdjust); err != nil {
			panic(fmt.Sprintf("FATAL: fee pool distribute: %v", err))
		}
	}

	t.assertInvariants()

	t.log.Info().
		Str("trader", traderID.String()).
		Int64("gross_rate", newRate).
		Int64("contrib_rate", newContrib).
		Int64("fee_rate", newFee).
		Int64("back_adjustment", contribAdjust).
		Int64("buffer_delta", bufferDelta).
		Int("journals", len(batch.Journals)).
		Msg("flow changed")

	return batch, nil
}

// containControllerFailure records a contained controller failure. The
// counter is monotonic and exported through estimations and metrics.
func (t *Torex) containControllerFailure(op string, contained *controller.Contained) {
	t.controllerErrors++
	t.log.Warn().
		Str("op", op).
		Err(contained.Err).
		Uint64("controller_errors", t.controllerErrors).
		Msg("controller failure contained")
}

// assertInvariants panics on ledger corruption. Every balance change flows
// through balanced batches, so a violation here is a programming error and
// the process must not continue emitting state.
func (t *Torex) assertInvariants() {
	if err := t.validator.ValidateGlobalBalance(); err != nil {
		panic(fmt.Sprintf("FATAL: ledger invariant violated: %v", err))
	}
	if err := t.balances.ValidateVaultNonNegative(t.inAssetID, t.outAssetID); err != nil {
		panic(fmt.Sprintf("FATAL: vault invariant violated: %v", err))
	}
}

// === Read accessors (single-threaded core or tests only) ===

func (t *Torex) Config() Config                        { return t.cfg }
func (t *Torex) Balances() *ledger.BalanceTracker      { return t.balances }
func (t *Torex) TraderState(id uuid.UUID) trader.State { return t.traders.Get(id) }
func (t *Torex) ActiveTraders() int                    { return t.traders.Len() }
func (t *Torex) OutPool() distribution.Pool            { return t.outPool }
func (t *Torex) FeePool() distribution.Pool            { return t.feePool }
func (t *Torex) FeeAccumulator() trader.FeeAccumulator { return *t.feeAcc }
func (t *Torex) LastMoveAt() int64                     { return t.lastMoveAt }
func (t *Torex) ControllerErrorCount() uint64          { return t.controllerErrors }
func (t *Torex) StrandedControllerCalls() int64        { return t.dispatcher.Stranded() }

// Snapshot carries one instance's full mutable state for persistence.
type Snapshot struct {
	ID               string
	LastMoveAt       int64
	FeeDistRate      int64
	FeeBuffer        int64
	ControllerErrors uint64
	Balances         map[ledger.AccountKey]int64
	Traders          []trader.State
	OutPoolMembers   []distribution.MemberSnapshot
	FeePoolMembers   []distribution.MemberSnapshot
}

// CreateSnapshot captures the instance's mutable state.
func (t *Torex) CreateSnapshot() *Snapshot {
	states := t.traders.All()
	traders := make([]trader.State, 0, len(states))
	for _, s := range states {
		traders = append(traders, *s)
	}
	return &Snapshot{
		ID:               t.cfg.ID,
		LastMoveAt:       t.lastMoveAt,
		FeeDistRate:      t.feeAcc.FeeDistRate,
		FeeBuffer:        t.feeAcc.Buffer,
		ControllerErrors: t.controllerErrors,
		Balances:         t.balances.Snapshot(),
		Traders:          traders,
		OutPoolMembers:   t.outPool.Snapshot(),
		FeePoolMembers:   t.feePool.Snapshot(),
	}
}

// RestoreSnapshot reinstates a freshly constructed instance from a snapshot.
func (t *Torex) RestoreSnapshot(snap *Snapshot) {
	t.lastMoveAt = snap.LastMoveAt
	t.feeAcc.Restore(snap.FeeDistRate, snap.FeeBuffer)
	t.controllerErrors = snap.ControllerErrors
	for key, balance := range snap.Balances {
		t.balances.SetBalance(key, balance)
	}
	for _, s := range snap.Traders {
		t.traders.Restore(s)
	}
	for _, ms := range snap.OutPoolMembers {
		t.outPool.RestoreMember(ms)
	}
	for _, ms := range snap.FeePoolMembers {
		t.feePool.RestoreMember(ms)
	}
}
