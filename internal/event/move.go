package event

import (
	"time"

	"github.com/google/uuid"
)

// LiquidityMoveRequested triggers a movement cycle on one Torex instance,
// executed through a registered mover.
// Idempotency key: request_id (UUID from the movement caller).
type LiquidityMoveRequested struct {
	RequestID       uuid.UUID // Idempotency key
	Torex           string
	Mover           string // Registered mover name
	UserData        []byte // Opaque payload forwarded to the mover
	RequestSequence int64
	Timestamp       time.Time // Versioned input timestamp (NOT wall-clock)
}

func (m *LiquidityMoveRequested) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *LiquidityMoveRequested) EventType() EventType {
	return EventTypeLiquidityMoveRequested
}

func (m *LiquidityMoveRequested) TorexID() *string {
	t := m.Torex
	return &t
}

func (m *LiquidityMoveRequested) SourceSequence() int64 {
	return m.RequestSequence
}
