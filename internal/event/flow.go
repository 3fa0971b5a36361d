package event

import (
	"time"

	"github.com/google/uuid"
)

// FlowCreated opens a trader's in-asset stream into a Torex instance.
// Idempotency key: change_id (UUID from the stream gateway).
type FlowCreated struct {
	ChangeID       uuid.UUID // Idempotency key
	Torex          string
	Trader         uuid.UUID
	GrossRate      int64     // In-asset units per second, must be > 0
	UserData       []byte    // Opaque payload forwarded to the controller
	ChangeSequence int64     // Source sequence, monotonic per (torex, trader)
	Timestamp      time.Time // Versioned input timestamp (NOT wall-clock)
}

func (f *FlowCreated) IdempotencyKey() string {
	return f.ChangeID.String()
}

func (f *FlowCreated) EventType() EventType {
	return EventTypeFlowCreated
}

func (f *FlowCreated) TorexID() *string {
	t := f.Torex
	return &t
}

func (f *FlowCreated) SourceSequence() int64 {
	return f.ChangeSequence
}

// FlowUpdated changes the rate of an existing stream.
type FlowUpdated struct {
	ChangeID       uuid.UUID
	Torex          string
	Trader         uuid.UUID
	GrossRate      int64 // New rate, must be > 0 (0 is a deletion)
	UserData       []byte
	ChangeSequence int64
	Timestamp      time.Time
}

func (f *FlowUpdated) IdempotencyKey() string {
	return f.ChangeID.String()
}

func (f *FlowUpdated) EventType() EventType {
	return EventTypeFlowUpdated
}

func (f *FlowUpdated) TorexID() *string {
	t := f.Torex
	return &t
}

func (f *FlowUpdated) SourceSequence() int64 {
	return f.ChangeSequence
}

// FlowDeleted closes a stream. Deletions always go through: controller
// failures on this path are contained, never propagated.
type FlowDeleted struct {
	ChangeID       uuid.UUID
	Torex          string
	Trader         uuid.UUID
	UserData       []byte
	ChangeSequence int64
	Timestamp      time.Time
}

func (f *FlowDeleted) IdempotencyKey() string {
	return f.ChangeID.String()
}

func (f *FlowDeleted) EventType() EventType {
	return EventTypeFlowDeleted
}

func (f *FlowDeleted) TorexID() *string {
	t := f.Torex
	return &t
}

func (f *FlowDeleted) SourceSequence() int64 {
	return f.ChangeSequence
}
