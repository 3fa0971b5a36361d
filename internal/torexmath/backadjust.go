package torexmath

// BackAdjustment computes the signed settlement owed when a trader's flow
// rate changes mid-cycle. A positive result is an immediate charge (the
// trader is billed as if the new rate had applied since the cycle began);
// a negative result is an immediate refund of the over-contribution.
//
//	adjustment = elapsed * (newRate - prevRate)
func BackAdjustment(prevRate, newRate, elapsedSeconds int64) (int64, error) {
	return MulChecked(elapsedSeconds, newRate-prevRate)
}

// ClampFeeRate bounds a controller-supplied fee rate to the configured
// parts-per-million ceiling of the gross rate. A rogue controller can never
// divert more than maxFeePM of the stream, and never a negative amount.
func ClampFeeRate(feeRate, grossRate, maxFeePM int64) (int64, error) {
	if feeRate <= 0 || grossRate <= 0 {
		return 0, nil
	}
	ceiling, err := MulDiv(grossRate, maxFeePM, PMScale)
	if err != nil {
		return 0, err
	}
	if feeRate > ceiling {
		return ceiling, nil
	}
	return feeRate, nil
}
