package torex

import (
	"fmt"

	"github.com/google/uuid"

	"torex/internal/torexmath"
)

// LiquidityEstimations previews the next movement as if executed at now.
type LiquidityEstimations struct {
	InAmount     int64 // in-asset a movement would hand to the mover
	TwapQuote    int64 // undiscounted benchmark value of InAmount
	MinOutAmount int64 // discounted floor a mover would have to meet
	Duration     int64 // seconds since the last movement
}

// EstimateMove quotes the currently available liquidity without mutating
// anything. Movers poll this to decide when a movement is worth executing.
func (t *Torex) EstimateMove(now int64) (LiquidityEstimations, error) {
	if now < t.lastMoveAt {
		return LiquidityEstimations{}, fmt.Errorf("timestamp %d behind last_move=%d: %w", now, t.lastMoveAt, ErrStaleTimestamp)
	}
	elapsed := now - t.lastMoveAt

	var unsettled int64
	for _, s := range t.traders.All() {
		accrued, err := torexmath.MulChecked(s.ContribRate, now-s.SettledAt)
		if err != nil {
			return LiquidityEstimations{}, fmt.Errorf("trader %s accrual: %w", s.Trader, err)
		}
		unsettled += accrued
	}
	inAmount := t.balances.VaultInBalance(t.inAssetID) + unsettled

	twapOut, _, err := t.cfg.Observer.TwapSince(now, inAmount)
	if err != nil {
		return LiquidityEstimations{}, fmt.Errorf("benchmark quote: %w", err)
	}
	quote, err := t.cfg.TwapScaler.Scale(twapOut)
	if err != nil {
		return LiquidityEstimations{}, fmt.Errorf("benchmark scale: %w", err)
	}
	minOut, err := t.cfg.Discount.DiscountedValue(quote, elapsed)
	if err != nil {
		return LiquidityEstimations{}, fmt.Errorf("benchmark discount: %w", err)
	}

	return LiquidityEstimations{
		InAmount:     inAmount,
		TwapQuote:    quote,
		MinOutAmount: minOut,
		Duration:     elapsed,
	}, nil
}

// EstimateApproval returns the worst-case up-front in-asset amount a flow
// change to prospectiveRate could charge at now: the back-adjustment over
// the elapsed cycle plus the fee-buffer reserve delta, assuming the
// controller takes the full fee ceiling.
func (t *Torex) EstimateApproval(traderID uuid.UUID, prospectiveRate, now int64) (int64, error) {
	if prospectiveRate < 0 {
		return 0, ErrNegativeFlowRate
	}
	prev := t.traders.Get(traderID)

	ceilingFee, err := torexmath.ClampFeeRate(prospectiveRate, prospectiveRate, t.cfg.MaxAllowedFeePM)
	if err != nil {
		return 0, err
	}
	contrib := prospectiveRate - ceilingFee

	elapsed := now - t.lastMoveAt
	if elapsed < 0 {
		elapsed = 0
	}
	contribAdjust, err := torexmath.BackAdjustment(prev.ContribRate, contrib, elapsed)
	if err != nil {
		return 0, err
	}
	feeAdjust, err := torexmath.BackAdjustment(prev.FeeRate, ceilingFee, elapsed)
	if err != nil {
		return 0, err
	}
	requiredBuffer, err := t.feeAcc.RequiredBufferFor(prev.FeeRate, ceilingFee)
	if err != nil {
		return 0, err
	}
	bufferDelta := requiredBuffer - t.feeAcc.Buffer

	var required int64
	if contribAdjust > 0 {
		required += contribAdjust
	}
	if feeAdjust > 0 {
		required += feeAdjust
	}
	if bufferDelta > 0 {
		required += bufferDelta
	}
	return required, nil
}

// TotalGrossRate returns the instance-wide inbound flow rate.
func (t *Torex) TotalGrossRate() int64 {
	return t.traders.TotalGrossRate()
}
