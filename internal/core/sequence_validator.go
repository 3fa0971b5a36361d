package core

import (
	"fmt"
)

// SequenceValidator enforces per-partition source-sequence ordering.
// Flow changes and movement requests require gapless monotonic sequences;
// price ticks tolerate gaps (a missed tick only widens the TWAP window).
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNext map[string]int64 // partition -> next expected sequence

	gaps       map[string]int64
	outOfOrder map[string]int64
	priceGaps  map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNext: make(map[string]int64),
		gaps:         make(map[string]int64),
		outOfOrder:   make(map[string]int64),
		priceGaps:    make(map[string]int64),
	}
}

// ValidateSequence checks strict source-sequence ordering for a partition.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNext[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed, redelivery is expected.
			return nil
		}
		sv.outOfOrder[partition]++
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNext[partition] = expected + 1
		return nil
	}

	sv.gaps[partition]++
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence checks price-tick ordering for a pool. Stale ticks
// are silently skipped; gaps are counted but accepted.
func (sv *SequenceValidator) ValidatePriceSequence(pool string, priceSequence int64) error {
	partition := fmt.Sprintf("price:%s", pool)
	expected, seen := sv.expectedNext[partition]

	if seen && priceSequence < expected {
		return nil
	}
	if seen && priceSequence > expected {
		sv.priceGaps[pool]++
	}
	sv.expectedNext[partition] = priceSequence + 1
	return nil
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNext[partition]
}

// RestorePartition reinstates a partition watermark (snapshot restore).
func (sv *SequenceValidator) RestorePartition(partition string, next int64) {
	sv.expectedNext[partition] = next
}

// Partitions returns a copy of all partition watermarks (snapshot support).
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNext))
	for p, seq := range sv.expectedNext {
		out[p] = seq
	}
	return out
}

// Gaps returns the gap count for a partition.
func (sv *SequenceValidator) Gaps(partition string) int64 {
	return sv.gaps[partition]
}

// OutOfOrder returns the out-of-order count for a partition.
func (sv *SequenceValidator) OutOfOrder(partition string) int64 {
	return sv.outOfOrder[partition]
}

// PriceGaps returns the tolerated gap count for a pool.
func (sv *SequenceValidator) PriceGaps(pool string) int64 {
	return sv.priceGaps[pool]
}
