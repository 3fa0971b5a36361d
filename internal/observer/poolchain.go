package observer

import (
	"fmt"
	"math/big"
)

// PoolHop is one leg of a chained swap route. It tracks the hop's current
// price and the running price-time integral the TWAP is derived from.
type PoolHop struct {
	name       string
	priceScale int64 // fixed-point denominator of price

	price    int64    // current out-per-in price, scaled by priceScale
	lastTick int64    // unix seconds of the last price observation
	cum      *big.Int // Σ price * dt up to lastTick
}

func NewPoolHop(name string, priceScale, initialPrice, now int64) (*PoolHop, error) {
	if priceScale <= 0 {
		return nil, fmt.Errorf("pool %s: non-positive price scale %d", name, priceScale)
	}
	if initialPrice <= 0 {
		return nil, fmt.Errorf("pool %s: non-positive initial price %d", name, initialPrice)
	}
	return &PoolHop{
		name:       name,
		priceScale: priceScale,
		price:      initialPrice,
		lastTick:   now,
		cum:        new(big.Int),
	}, nil
}

func (h *PoolHop) Name() string { return h.name }

// Price returns the hop's current spot price.
func (h *PoolHop) Price() int64 { return h.price }

// SetPrice folds elapsed time at the previous price into the integral and
// records the new observation. Stale ticks are ignored.
func (h *PoolHop) SetPrice(price, now int64) error {
	if price <= 0 {
		return fmt.Errorf("pool %s: non-positive price %d", h.name, price)
	}
	if now < h.lastTick {
		return nil // stale tick, keep the newer observation
	}
	h.accrue(now)
	h.price = price
	return nil
}

func (h *PoolHop) accrue(now int64) {
	dt := now - h.lastTick
	if dt > 0 {
		delta := new(big.Int).Mul(big.NewInt(h.price), big.NewInt(dt))
		h.cum.Add(h.cum, delta)
		h.lastTick = now
	}
}

// cumulativeAt projects the price-time integral forward to now without
// mutating hop state.
func (h *PoolHop) cumulativeAt(now int64) *big.Int {
	result := new(big.Int).Set(h.cum)
	if now > h.lastTick {
		delta := new(big.Int).Mul(big.NewInt(h.price), big.NewInt(now-h.lastTick))
		result.Add(result, delta)
	}
	return result
}

// PoolChain is a TwapObserver over a route of chained pool hops. The quote
// for inAmount is the product of every hop's time-weighted average price
// since the last checkpoint.
type PoolChain struct {
	hops []*PoolHop

	checkpointAt   int64
	checkpointCums []*big.Int
}

func NewPoolChain(now int64, hops ...*PoolHop) (*PoolChain, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("pool chain needs at least one hop")
	}
	pc := &PoolChain{hops: hops}
	if err := pc.CreateCheckpoint(now); err != nil {
		return nil, err
	}
	return pc, nil
}

// Hop returns the named hop for price feeding, or nil.
func (pc *PoolChain) Hop(name string) *PoolHop {
	for _, h := range pc.hops {
		if h.name == name {
			return h
		}
	}
	return nil
}

// CreateCheckpoint resets the benchmark clock. Checkpoints are monotonic.
func (pc *PoolChain) CreateCheckpoint(now int64) error {
	if now < pc.checkpointAt {
		return fmt.Errorf("checkpoint moving backward: have %d, got %d", pc.checkpointAt, now)
	}
	cums := make([]*big.Int, len(pc.hops))
	for i, h := range pc.hops {
		cums[i] = h.cumulativeAt(now)
	}
	pc.checkpointAt = now
	pc.checkpointCums = cums
	return nil
}

func (pc *PoolChain) DurationSince(now int64) int64 {
	if now <= pc.checkpointAt {
		return 0
	}
	return now - pc.checkpointAt
}

func (pc *PoolChain) TwapSince(now int64, inAmount int64) (int64, int64, error) {
	duration := pc.DurationSince(now)
	if inAmount < 0 {
		return 0, duration, fmt.Errorf("negative in-amount: %d", inAmount)
	}

	out := big.NewInt(inAmount)
	for i, h := range pc.hops {
		var avgNum *big.Int
		var avgDenom *big.Int
		if duration == 0 {
			// Degenerate window: fall back to spot so estimation paths
			// still quote; movements reject zero durations upstream.
			avgNum = big.NewInt(h.price)
			avgDenom = big.NewInt(h.priceScale)
		} else {
			avgNum = new(big.Int).Sub(h.cumulativeAt(now), pc.checkpointCums[i])
			avgDenom = new(big.Int).Mul(big.NewInt(duration), big.NewInt(h.priceScale))
		}
		out.Mul(out, avgNum)
		out.Quo(out, avgDenom)
	}

	if !out.IsInt64() {
		return 0, duration, fmt.Errorf("twap quote overflows int64")
	}
	return out.Int64(), duration, nil
}

// SpotQuote converts inAmount through the chain at current spot prices.
// Used by reference movers executing against the same route.
func (pc *PoolChain) SpotQuote(inAmount int64) (int64, error) {
	if inAmount < 0 {
		return 0, fmt.Errorf("negative in-amount: %d", inAmount)
	}
	out := big.NewInt(inAmount)
	for _, h := range pc.hops {
		out.Mul(out, big.NewInt(h.price))
		out.Quo(out, big.NewInt(h.priceScale))
	}
	if !out.IsInt64() {
		return 0, fmt.Errorf("spot quote overflows int64")
	}
	return out.Int64(), nil
}
