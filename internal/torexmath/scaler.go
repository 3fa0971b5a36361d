package torexmath

// Scaler is a signed multiplier/divisor for unit conversion between the
// flow-rate domain and distribution-pool unit or quote domains.
//
// A non-negative scaler multiplies; a negative scaler divides by its
// magnitude, truncating toward zero. Precision loss occurs only on the
// downscale direction.
type Scaler int64

// Scale converts v into the target domain.
func (s Scaler) Scale(v int64) (int64, error) {
	if s >= 0 {
		return MulChecked(v, int64(s))
	}
	return v / int64(-s), nil
}

// Inverse returns the scaler converting back out of the target domain.
func (s Scaler) Inverse() Scaler {
	return -s
}
