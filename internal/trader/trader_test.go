package trader

import (
	"testing"

	"github.com/google/uuid"
)

func TestLedger_ImplicitZeroAndSet(t *testing.T) {
	l := NewLedger()
	id := uuid.New()

	s := l.Get(id)
	if s.GrossRate() != 0 || s.SettledAt != 0 {
		t.Errorf("unknown trader must read as zero state: %+v", s)
	}

	l.Set(id, 900, 100, 1_700_000_000)
	s = l.Get(id)
	if s.ContribRate != 900 || s.FeeRate != 100 {
		t.Errorf("rates = (%d, %d), want (900, 100)", s.ContribRate, s.FeeRate)
	}
	if s.UpdatedAt != 1_700_000_000 || s.SettledAt != 1_700_000_000 {
		t.Errorf("timestamps = (%d, %d)", s.UpdatedAt, s.SettledAt)
	}
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}

	l.Set(id, 0, 0, 1_700_000_100)
	if l.Len() != 0 {
		t.Error("zero rates must remove the entry")
	}
}

func TestLedger_MarkSettledNeverRewinds(t *testing.T) {
	l := NewLedger()
	id := uuid.New()
	l.Set(id, 500, 0, 1_000)

	l.MarkSettled(id, 2_000)
	if got := l.Get(id).SettledAt; got != 2_000 {
		t.Errorf("settled at %d, want 2000", got)
	}
	l.MarkSettled(id, 1_500)
	if got := l.Get(id).SettledAt; got != 2_000 {
		t.Errorf("watermark rewound to %d", got)
	}
	if got := l.Get(id).UpdatedAt; got != 1_000 {
		t.Errorf("MarkSettled must not touch UpdatedAt: %d", got)
	}
}

func TestLedger_TotalGrossRate(t *testing.T) {
	l := NewLedger()
	l.Set(uuid.New(), 300, 50, 1_000)
	l.Set(uuid.New(), 100, 0, 1_000)

	if got := l.TotalGrossRate(); got != 450 {
		t.Errorf("total gross rate = %d, want 450", got)
	}
}

func TestFeeAccumulator_RateChanges(t *testing.T) {
	fa := NewFeeAccumulator(3_600)

	delta, err := fa.ApplyRateChange(0, 100)
	if err != nil {
		t.Fatalf("ApplyRateChange: %v", err)
	}
	if delta != 360_000 {
		t.Errorf("reserve delta = %d, want 360000", delta)
	}
	if fa.FeeDistRate != 100 || fa.Buffer != 360_000 {
		t.Errorf("accumulator = (%d, %d)", fa.FeeDistRate, fa.Buffer)
	}

	// Second trader joins, first one leaves.
	if _, err := fa.ApplyRateChange(0, 50); err != nil {
		t.Fatal(err)
	}
	delta, err = fa.ApplyRateChange(100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if delta != -360_000 {
		t.Errorf("release delta = %d, want -360000", delta)
	}
	if fa.FeeDistRate != 50 || fa.Buffer != 180_000 {
		t.Errorf("accumulator = (%d, %d), want (50, 180000)", fa.FeeDistRate, fa.Buffer)
	}
}

func TestFeeAccumulator_PreviewDoesNotMutate(t *testing.T) {
	fa := NewFeeAccumulator(600)
	if _, err := fa.ApplyRateChange(0, 10); err != nil {
		t.Fatal(err)
	}

	required, err := fa.RequiredBufferFor(10, 40)
	if err != nil {
		t.Fatal(err)
	}
	if required != 24_000 {
		t.Errorf("required = %d, want 24000", required)
	}
	if fa.FeeDistRate != 10 || fa.Buffer != 6_000 {
		t.Errorf("preview mutated accumulator: (%d, %d)", fa.FeeDistRate, fa.Buffer)
	}
}
