package torex

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"torex/internal/controller"
	"torex/internal/ledger"
	"torex/internal/torexmath"
	"torex/internal/trader"
)

// MoveRequest is handed to a liquidity mover: convert InAmount of in-asset
// and deposit at least MinOutAmount of out-asset into the sink.
type MoveRequest struct {
	TorexID      string
	InAsset      string
	OutAsset     string
	InAmount     int64
	MinOutAmount int64
	UserData     []byte
}

// ProceedsSink receives out-asset from a mover. Only amounts deposited here
// count; whatever a mover claims to have swapped is irrelevant.
type ProceedsSink interface {
	Deposit(amount int64) error
}

// LiquidityMover converts in-asset to out-asset. Implementations are
// untrusted: the protocol measures proceeds itself and aborts the whole
// movement when the deposited amount misses the discounted benchmark floor.
type LiquidityMover interface {
	MoveLiquidity(ctx context.Context, req MoveRequest, sink ProceedsSink) error
}

type proceedsCollector struct {
	total int64
}

func (pc *proceedsCollector) Deposit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative deposit: %d", amount)
	}
	next := pc.total + amount
	if next < pc.total {
		return fmt.Errorf("proceeds overflow at %d + %d", pc.total, amount)
	}
	pc.total = next
	return nil
}

type pendingAccrual struct {
	state   *trader.State
	contrib int64
	fee     int64
}

// MoveLiquidity executes one movement cycle: settle all streams, hand the
// entire available in-asset to the mover, measure the deposited out-asset
// against the time-discounted benchmark quote, and on success distribute the
// proceeds to contributors pro rata. The operation is atomic — an aborted
// movement leaves no journal applied and no derived state touched.
func (t *Torex) MoveLiquidity(ctx context.Context, eventRef string, sequence int64, mover LiquidityMover, userData []byte, now int64) (*ledger.Batch, *controller.MoveResult, error) {
	if t.moving {
		return nil, nil, ErrMoveInProgress
	}
	t.moving = true
	defer func() { t.moving = false }()

	// The completion notification is a safe call; enforce the caller-side
	// budget before any effect so a violation cannot surface mid-movement.
	if err := t.dispatcher.CheckBudget(ctx); err != nil {
		return nil, nil, err
	}

	if now < t.lastMoveAt {
		return nil, nil, fmt.Errorf("timestamp %d behind last_move=%d: %w", now, t.lastMoveAt, ErrStaleTimestamp)
	}
	if now == t.lastMoveAt {
		return nil, nil, ErrZeroDurationMove
	}
	elapsed := now - t.lastMoveAt

	// 1. Settle every stream up to now. Iteration order is fixed by trader
	// ID so replay produces byte-identical batches.
	states := t.traders.All()
	sort.Slice(states, func(i, j int) bool {
		return bytes.Compare(states[i].Trader[:], states[j].Trader[:]) < 0
	})

	accruals := make([]pendingAccrual, 0, len(states))
	var totalContrib, totalFee int64
	for _, s := range states {
		dt := now - s.SettledAt
		contrib, err := torexmath.MulChecked(s.ContribRate, dt)
		if err != nil {
			return nil, nil, fmt.Errorf("trader %s contrib accrual: %w", s.Trader, err)
		}
		fee, err := torexmath.MulChecked(s.FeeRate, dt)
		if err != nil {
			return nil, nil, fmt.Errorf("trader %s fee accrual: %w", s.Trader, err)
		}
		accruals = append(accruals, pendingAccrual{state: s, contrib: contrib, fee: fee})
		totalContrib += contrib
		totalFee += fee
	}

	// 2. Quote the whole available in-asset at the benchmark and discount
	// by the time since the last movement. The discount decays the floor so
	// a stale Torex becomes an arbitrage opportunity instead of a tombstone.
	inAmount := t.balances.VaultInBalance(t.inAssetID) + totalContrib

	twapOut, twapDuration, err := t.cfg.Observer.TwapSince(now, inAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("benchmark quote: %w", err)
	}
	quote, err := t.cfg.TwapScaler.Scale(twapOut)
	if err != nil {
		return nil, nil, fmt.Errorf("benchmark scale: %w", err)
	}
	minOut, err := t.cfg.Discount.DiscountedValue(quote, elapsed)
	if err != nil {
		return nil, nil, fmt.Errorf("benchmark discount: %w", err)
	}

	// 3. Build the movement batch: accruals, the outbound leg, and (after
	// the mover runs) the inbound proceeds and their distribution.
	vaultIn := ledger.NewSystemAccountKey(ledger.SubTypeVaultIn, t.inAssetID)
	vaultOut := ledger.NewSystemAccountKey(ledger.SubTypeVaultOut, t.outAssetID)
	moverIn := ledger.NewExternalAccountKey(ledger.SubTypeExternalMover, t.inAssetID)
	moverOut := ledger.NewExternalAccountKey(ledger.SubTypeExternalMover, t.outAssetID)
	outDist := ledger.NewExternalAccountKey(ledger.SubTypeExternalOutDistribution, t.outAssetID)
	feeDist := ledger.NewExternalAccountKey(ledger.SubTypeExternalFeeDistribution, t.inAssetID)

	bb := ledger.NewBatchBuilder(eventRef, sequence, now)
	for _, a := range accruals {
		contribKey := ledger.NewTraderAccountKey(a.state.Trader, ledger.SubTypeContribOutflow, t.inAssetID)
		feeKey := ledger.NewTraderAccountKey(a.state.Trader, ledger.SubTypeFeeOutflow, t.inAssetID)
		bb.Transfer(vaultIn, contribKey, t.inAssetID, a.contrib, ledger.JournalTypeStreamAccrual)
		bb.Transfer(feeDist, feeKey, t.inAssetID, a.fee, ledger.JournalTypeFeeStream)
	}
	bb.Transfer(moverIn, vaultIn, t.inAssetID, inAmount, ledger.JournalTypeMoveOut)

	// 4. Run the mover and measure what it actually deposited.
	req := MoveRequest{
		TorexID:      t.cfg.ID,
		InAsset:      t.cfg.InAsset,
		OutAsset:     t.cfg.OutAsset,
		InAmount:     inAmount,
		MinOutAmount: minOut,
		UserData:     userData,
	}
	sink := &proceedsCollector{}
	if err := mover.MoveLiquidity(ctx, req, sink); err != nil {
		return nil, nil, fmt.Errorf("mover failed: %w", err)
	}
	outAmount := sink.total
	if outAmount < minOut {
		return nil, nil, fmt.Errorf("deposited %d below floor %d: %w", outAmount, minOut, ErrInsufficientProceeds)
	}

	bb.Transfer(vaultOut, moverOut, t.outAssetID, outAmount, ledger.JournalTypeMoveProceeds)

	// 5. Past the proceeds check the movement is committed; the remaining
	// steps cannot legitimately fail.
	actualOut, err := t.outPool.Distribute(outAmount)
	if err != nil {
		panic(fmt.Sprintf("FATAL: out pool distribute: %v", err))
	}
	bb.Transfer(outDist, vaultOut, t.outAssetID, actualOut, ledger.JournalTypeDistribution)

	batch := bb.Build()
	if err := t.balances.ApplyBatch(batch); err != nil {
		panic(fmt.Sprintf("FATAL: apply movement batch: %v", err))
	}

	if totalFee > 0 {
		if _, err := t.feePool.Distribute(totalFee); err != nil {
			panic(fmt.Sprintf("FATAL: fee pool distribute: %v", err))
		}
	}
	for _, a := range accruals {
		t.traders.MarkSettled(a.state.Trader, now)
	}
	if err := t.cfg.Observer.CreateCheckpoint(now); err != nil {
		panic(fmt.Sprintf("FATAL: benchmark checkpoint: %v", err))
	}
	t.lastMoveAt = now

	t.assertInvariants()

	// 6. Notify the controller. Always safe: a broken controller must never
	// grief a mover out of a completed movement.
	result := &controller.MoveResult{
		TorexID:         t.cfg.ID,
		Duration:        twapDuration,
		Twap:            quote,
		InAmount:        inAmount,
		MinOutAmount:    minOut,
		OutAmount:       outAmount,
		ActualOutAmount: actualOut,
		MovedAt:         now,
	}
	contained, err := t.dispatcher.SafeCall(ctx, func(ctx context.Context) error {
		return t.cfg.Controller.OnLiquidityMoved(ctx, *result)
	})
	if err != nil {
		// Budget was verified on entry; losing it mid-movement means the
		// surrounding context is being torn down. The movement stands.
		t.containControllerFailure("liquidity_moved", &controller.Contained{Err: err})
	} else if contained != nil {
		t.containControllerFailure("liquidity_moved", contained)
	}

	t.log.Info().
		Int64("in_amount", inAmount).
		Int64("min_out", minOut).
		Int64("out_amount", outAmount).
		Int64("distributed", actualOut).
		Int64("elapsed", elapsed).
		Int("journals", len(batch.Journals)).
		Msg("liquidity moved")

	return batch, result, nil
}
