package core

import "testing"

func TestValidateSequence_StrictOrdering(t *testing.T) {
	sv := NewSequenceValidator()

	if err := sv.ValidateSequence("flow:a", 0, false); err != nil {
		t.Fatalf("first in-order event: %v", err)
	}
	if err := sv.ValidateSequence("flow:a", 1, false); err != nil {
		t.Fatalf("second in-order event: %v", err)
	}
	if err := sv.ValidateSequence("flow:a", 3, false); err == nil {
		t.Error("gap must be rejected")
	}
	if err := sv.ValidateSequence("flow:a", 0, false); err == nil {
		t.Error("replayed non-duplicate must be rejected")
	}
	if err := sv.ValidateSequence("flow:a", 0, true); err != nil {
		t.Errorf("duplicate redelivery must pass: %v", err)
	}
	if got := sv.Gaps("flow:a"); got != 1 {
		t.Errorf("Gaps = %d, want 1", got)
	}
	if got := sv.OutOfOrder("flow:a"); got != 1 {
		t.Errorf("OutOfOrder = %d, want 1", got)
	}
}

func TestValidatePriceSequence_WatermarkAdvances(t *testing.T) {
	sv := NewSequenceValidator()

	// First tick of a pool sets the watermark without counting a gap.
	if err := sv.ValidatePriceSequence("usdc-eth", 5); err != nil {
		t.Fatal(err)
	}
	if got := sv.PriceGaps("usdc-eth"); got != 0 {
		t.Errorf("first tick counted as gap: PriceGaps = %d", got)
	}

	// Consecutive in-order ticks each advance the watermark.
	for seq := int64(6); seq <= 9; seq++ {
		if err := sv.ValidatePriceSequence("usdc-eth", seq); err != nil {
			t.Fatalf("tick %d: %v", seq, err)
		}
	}
	if got := sv.GetExpectedSequence("price:usdc-eth"); got != 10 {
		t.Errorf("watermark = %d after ticks 5..9, want 10", got)
	}
	if got := sv.PriceGaps("usdc-eth"); got != 0 {
		t.Errorf("in-order ticks counted gaps: PriceGaps = %d", got)
	}

	// A real gap is accepted and counted once.
	if err := sv.ValidatePriceSequence("usdc-eth", 20); err != nil {
		t.Fatal(err)
	}
	if got := sv.PriceGaps("usdc-eth"); got != 1 {
		t.Errorf("PriceGaps = %d, want 1", got)
	}
	if got := sv.GetExpectedSequence("price:usdc-eth"); got != 21 {
		t.Errorf("watermark = %d after tick 20, want 21", got)
	}

	// Stale ticks are skipped without touching the watermark.
	if err := sv.ValidatePriceSequence("usdc-eth", 7); err != nil {
		t.Fatal(err)
	}
	if got := sv.GetExpectedSequence("price:usdc-eth"); got != 21 {
		t.Errorf("stale tick moved watermark to %d", got)
	}
}
