package event

import "fmt"

// PriceTick is a spot price observation for one pool hop. Ticks are global:
// a pool may back the benchmark of several Torex instances.
type PriceTick struct {
	Pool           string
	Price          int64 // Fixed-point, scaled by the hop's price scale
	PriceSequence  int64 // Monotonic per pool; gaps are tolerated
	PriceTimestamp int64 // Epoch microseconds (versioned input)
}

func (p *PriceTick) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Pool, p.PriceSequence)
}

func (p *PriceTick) EventType() EventType {
	return EventTypePriceTick
}

func (p *PriceTick) TorexID() *string {
	return nil
}

func (p *PriceTick) SourceSequence() int64 {
	return p.PriceSequence
}
