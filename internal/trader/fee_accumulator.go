package trader

import (
	"torex/internal/torexmath"
)

// FeeAccumulator folds every trader's fee flow rate into one instance-wide
// requested rate plus the buffer reserved against it. Both fields mutate
// atomically with the triggering flow-change event and are read by every
// quote and approval estimate.
type FeeAccumulator struct {
	FeeDistRate int64 // aggregate fee flow rate, units per second
	Buffer      int64 // reserved buffer = FeeDistRate * bufferPeriod

	bufferPeriod int64 // seconds of fee flow held in reserve
}

func NewFeeAccumulator(bufferPeriodSeconds int64) *FeeAccumulator {
	return &FeeAccumulator{
		bufferPeriod: bufferPeriodSeconds,
	}
}

// ApplyRateChange replaces a trader's fee-rate contribution and returns the
// buffer delta: positive means additional reserve must be charged to the
// trader, negative means reserve is released (never back to the trader).
func (fa *FeeAccumulator) ApplyRateChange(prevFeeRate, newFeeRate int64) (bufferDelta int64, err error) {
	newRate := fa.FeeDistRate - prevFeeRate + newFeeRate
	newBuffer, err := torexmath.MulChecked(newRate, fa.bufferPeriod)
	if err != nil {
		return 0, err
	}

	bufferDelta = newBuffer - fa.Buffer
	fa.FeeDistRate = newRate
	fa.Buffer = newBuffer
	return bufferDelta, nil
}

// RequiredBufferFor previews the buffer a prospective aggregate rate change
// would demand, without mutating the accumulator.
func (fa *FeeAccumulator) RequiredBufferFor(prevFeeRate, newFeeRate int64) (int64, error) {
	return torexmath.MulChecked(fa.FeeDistRate-prevFeeRate+newFeeRate, fa.bufferPeriod)
}

// Restore directly sets accumulator state (snapshot restore only).
func (fa *FeeAccumulator) Restore(feeDistRate, buffer int64) {
	fa.FeeDistRate = feeDistRate
	fa.Buffer = buffer
}
