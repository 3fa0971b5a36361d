package torex

import "errors"

var (
	// ErrMoveInProgress rejects reentrant movement invocations.
	ErrMoveInProgress = errors.New("liquidity movement already in progress")

	// ErrZeroDurationMove rejects a second movement at the same logical
	// instant, which would otherwise price against a degenerate window.
	ErrZeroDurationMove = errors.New("liquidity movement at same instant as previous")

	// ErrInsufficientProceeds aborts a movement whose measured out-asset
	// proceeds fall below the discounted benchmark floor.
	ErrInsufficientProceeds = errors.New("insufficient out-asset proceeds")

	// ErrNegativeFlowRate rejects malformed flow-change inputs.
	ErrNegativeFlowRate = errors.New("negative flow rate")

	// ErrStaleTimestamp rejects events older than already-settled state.
	ErrStaleTimestamp = errors.New("event timestamp precedes settled state")
)
