package controller

import (
	"context"

	"github.com/google/uuid"
)

// FlowChange describes a trader's stream transition to the controller.
type FlowChange struct {
	TorexID     string
	Trader      uuid.UUID
	PrevRate    int64 // previous gross inbound rate
	PrevFeeRate int64
	LastUpdated int64 // unix seconds of the trader's previous settled change
	NewRate     int64 // new gross inbound rate (0 on deletion)
	Now         int64
	UserData    []byte // opaque payload forwarded untouched
}

// MoveResult describes a completed liquidity movement.
type MoveResult struct {
	TorexID         string
	Duration        int64 // seconds since the previous movement
	Twap            int64 // scaled time-weighted benchmark quote
	InAmount        int64 // in-asset committed to the mover
	MinOutAmount    int64 // discounted floor the mover had to meet
	OutAmount       int64 // out-asset actually received
	ActualOutAmount int64 // out-asset actually distributed (unit rounding)
	MovedAt         int64 // unix seconds
}

// Controller is the external program hook supplying per-stream fee rates and
// receiving movement notifications. Implementations may be buggy or
// adversarial; the dispatcher contains their failures where the protocol
// allows it, and fee rates are always clamped to the configured ceiling.
type Controller interface {
	// OnFlowChanged returns the fee flow rate to divert from the trader's
	// new gross rate. Called unsafely on create/update (an error aborts the
	// whole operation) and safely on deletion (failures are contained).
	OnFlowChanged(ctx context.Context, change FlowChange) (feeRate int64, err error)

	// OnLiquidityMoved acknowledges a completed movement. Always called
	// safely: a failing controller can never grief a liquidity mover.
	OnLiquidityMoved(ctx context.Context, result MoveResult) error
}

// NopController accepts every change with a zero fee rate.
type NopController struct{}

func (NopController) OnFlowChanged(context.Context, FlowChange) (int64, error) { return 0, nil }
func (NopController) OnLiquidityMoved(context.Context, MoveResult) error       { return nil }

// FlatFeeController diverts a fixed parts-per-million slice of the gross rate.
type FlatFeeController struct {
	FeePM int64
}

func (c FlatFeeController) OnFlowChanged(_ context.Context, change FlowChange) (int64, error) {
	return change.NewRate * c.FeePM / 1_000_000, nil
}

func (c FlatFeeController) OnLiquidityMoved(context.Context, MoveResult) error { return nil }
