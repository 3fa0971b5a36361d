package trader

import (
	"github.com/google/uuid"
)

// State holds a trader's settled flow-rate split. The invariant
// ContribRate + FeeRate == the trader's gross inbound flow rate holds at
// every settled instant.
type State struct {
	Trader      uuid.UUID
	ContribRate int64 // units of in-asset per second funding the exchange
	FeeRate     int64 // units per second diverted to the fee pool
	UpdatedAt   int64 // unix seconds of the last rate change
	SettledAt   int64 // unix seconds up to which stream accrual is settled
}

// GrossRate returns the trader's full inbound rate.
func (s *State) GrossRate() int64 {
	return s.ContribRate + s.FeeRate
}

// Ledger tracks per-trader flow state for one Torex instance.
// Entries are created implicitly on first observation and removed when a
// stream is deleted; a missing entry reads as zero rates.
// Not thread-safe — only accessed from the single-threaded core.
type Ledger struct {
	traders map[uuid.UUID]*State
}

func NewLedger() *Ledger {
	return &Ledger{
		traders: make(map[uuid.UUID]*State),
	}
}

// Get returns the trader's state, or an implicit zero state if never seen.
func (l *Ledger) Get(trader uuid.UUID) State {
	if s, ok := l.traders[trader]; ok {
		return *s
	}
	return State{Trader: trader}
}

// Set records the trader's settled rates. Zero rates remove the entry.
func (l *Ledger) Set(trader uuid.UUID, contribRate, feeRate, now int64) {
	if contribRate == 0 && feeRate == 0 {
		delete(l.traders, trader)
		return
	}
	l.traders[trader] = &State{
		Trader:      trader,
		ContribRate: contribRate,
		FeeRate:     feeRate,
		UpdatedAt:   now,
		SettledAt:   now,
	}
}

// MarkSettled advances a trader's accrual watermark without touching rates.
func (l *Ledger) MarkSettled(trader uuid.UUID, now int64) {
	if s, ok := l.traders[trader]; ok && now > s.SettledAt {
		s.SettledAt = now
	}
}

// TotalGrossRate sums all traders' inbound rates.
func (l *Ledger) TotalGrossRate() int64 {
	var total int64
	for _, s := range l.traders {
		total += s.GrossRate()
	}
	return total
}

// All returns every active trader state. Callers must not mutate entries.
func (l *Ledger) All() []*State {
	result := make([]*State, 0, len(l.traders))
	for _, s := range l.traders {
		result = append(result, s)
	}
	return result
}

// Len returns the number of active traders.
func (l *Ledger) Len() int {
	return len(l.traders)
}

// Restore directly sets a trader entry (snapshot restore only).
func (l *Ledger) Restore(s State) {
	if s.ContribRate == 0 && s.FeeRate == 0 {
		return
	}
	copied := s
	l.traders[s.Trader] = &copied
}
