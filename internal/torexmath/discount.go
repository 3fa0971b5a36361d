package torexmath

import (
	"fmt"
	"math/big"
)

// DiscountFactor parameterizes the decay curve that converts elapsed time
// since the last liquidity movement into a markdown on the benchmark quote.
// A zero factor disables discounting entirely.
type DiscountFactor int64

// NewDiscountFactor derives a factor from a target horizon tau (seconds) and
// the residual fraction epsilonPM (parts per million) the quote should retain
// at elapsed == tau:
//
//	factor = tau * (1e6 - epsilonPM) / epsilonPM
//
// so that DiscountedValue(v, tau) ≈ v * (1 - epsilonPM/1e6).
func NewDiscountFactor(tauSeconds int64, epsilonPM int64) (DiscountFactor, error) {
	if tauSeconds < 0 {
		return 0, fmt.Errorf("negative tau: %d", tauSeconds)
	}
	if epsilonPM <= 0 || epsilonPM > PMScale {
		return 0, fmt.Errorf("epsilonPM out of range (0, 1e6]: %d", epsilonPM)
	}

	factor, err := MulDiv(tauSeconds, PMScale-epsilonPM, epsilonPM)
	if err != nil {
		return 0, err
	}
	return DiscountFactor(factor), nil
}

// DiscountedValue applies the decay curve to fullValue over elapsed seconds.
//
// Properties:
//   - elapsed == 0 returns fullValue unchanged
//   - monotonically non-increasing in elapsed
//   - approaches but never reaches zero
//   - factor == 0 disables the discount (returns fullValue for any elapsed)
func (f DiscountFactor) DiscountedValue(fullValue int64, elapsedSeconds int64) (int64, error) {
	if elapsedSeconds < 0 {
		return 0, fmt.Errorf("negative elapsed: %d", elapsedSeconds)
	}
	if fullValue == 0 {
		return 0, nil
	}
	if f == 0 {
		return fullValue, nil
	}

	// fullValue * factor / (factor + elapsed), truncating
	numerator := MultiplyInt128(fullValue, int64(f))
	denominator := getInt128()
	denominator.Add(big.NewInt(int64(f)), big.NewInt(elapsedSeconds))
	if !denominator.IsInt64() {
		putInt128(numerator)
		putInt128(denominator)
		return 0, fmt.Errorf("discount denominator overflow: factor=%d elapsed=%d", f, elapsedSeconds)
	}
	denom := denominator.Int64()
	putInt128(denominator)

	return DivideInt128(numerator, denom, RoundTrunc), nil
}
