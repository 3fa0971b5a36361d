// Package mover provides reference liquidity movers. Production movers are
// external callers presenting the same capability; these implementations
// exist for local routing and tests.
package mover

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"torex/internal/observer"
	"torex/internal/torex"
	"torex/internal/torexmath"
)

// PoolSwapMover executes movements against a pool chain at spot prices,
// with a configurable slippage haircut. It deposits whatever the route
// yields; whether that clears the discounted floor is the protocol's call.
type PoolSwapMover struct {
	chain      *observer.PoolChain
	scaler     torexmath.Scaler // decimal normalization, mirrors the quote path
	slippagePM int64            // haircut applied to the spot output
	log        zerolog.Logger
}

func NewPoolSwapMover(chain *observer.PoolChain, scaler torexmath.Scaler, slippagePM int64, log zerolog.Logger) (*PoolSwapMover, error) {
	if chain == nil {
		return nil, fmt.Errorf("nil pool chain")
	}
	if slippagePM < 0 || slippagePM >= torexmath.PMScale {
		return nil, fmt.Errorf("slippage %d outside [0, 100%%)", slippagePM)
	}
	return &PoolSwapMover{
		chain:      chain,
		scaler:     scaler,
		slippagePM: slippagePM,
		log:        log.With().Str("component", "pool_swap_mover").Logger(),
	}, nil
}

func (m *PoolSwapMover) MoveLiquidity(_ context.Context, req torex.MoveRequest, sink torex.ProceedsSink) error {
	spot, err := m.chain.SpotQuote(req.InAmount)
	if err != nil {
		return fmt.Errorf("spot quote: %w", err)
	}
	scaled, err := m.scaler.Scale(spot)
	if err != nil {
		return fmt.Errorf("scale quote: %w", err)
	}
	out, err := torexmath.MulDiv(scaled, torexmath.PMScale-m.slippagePM, torexmath.PMScale)
	if err != nil {
		return fmt.Errorf("slippage haircut: %w", err)
	}

	m.log.Debug().
		Str("torex", req.TorexID).
		Int64("in_amount", req.InAmount).
		Int64("min_out", req.MinOutAmount).
		Int64("out", out).
		Msg("executing pool swap")

	return sink.Deposit(out)
}
