package torexmath

import (
	"fmt"
	"math/big"
	"sync"
)

// RoundingMode selects the integer-division rounding rule.
type RoundingMode int

const (
	RoundTrunc RoundingMode = iota // Truncate toward zero (default everywhere)
	RoundHalfEven                  // Banker's rounding
)

// PMScale is the parts-per-million denominator used for fee fractions.
const PMScale int64 = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with the given rounding rule
// and releases the numerator back to the pool.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	if roundingMode == RoundHalfEven {
		half := big.NewInt(denominator / 2)
		cmp := remainder.CmpAbs(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)
	putInt128(numerator)

	return result
}

// MulChecked performs a * b and fails fast if the product does not fit int64.
// Numeric range violations are never truncated or wrapped silently.
func MulChecked(a, b int64) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)

	if !product.IsInt64() {
		return 0, fmt.Errorf("int64 overflow: %d * %d", a, b)
	}
	return product.Int64(), nil
}

// MulDiv computes a * b / denom with an int128 intermediate, truncating.
func MulDiv(a, b, denom int64) (int64, error) {
	if denom == 0 {
		return 0, fmt.Errorf("division by zero in MulDiv(%d, %d, 0)", a, b)
	}
	product := MultiplyInt128(a, b)
	result := DivideInt128(product, denom, RoundTrunc)
	return result, nil
}
