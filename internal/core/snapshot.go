package core

import (
	"fmt"

	"torex/internal/torex"
)

// SnapshotState captures everything the engine needs for a warm restart:
// load the latest snapshot, then replay events after its sequence.
type SnapshotState struct {
	Sequence        int64 // last processed sequence
	StateHash       [32]byte
	Instances       []*torex.Snapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	instances := e.Instances()
	snaps := make([]*torex.Snapshot, 0, len(instances))
	for _, t := range instances {
		snaps = append(snaps, t.CreateSnapshot())
	}
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Instances:       snaps,
		SequenceState:   e.sequenceValidator.Partitions(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// RestoreFromSnapshot reinstates engine state. Instances must already be
// registered with the same IDs the snapshot was taken from.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)

	for _, is := range snap.Instances {
		t := e.instances[is.ID]
		if t == nil {
			return fmt.Errorf("snapshot references unregistered torex %q", is.ID)
		}
		t.RestoreSnapshot(is)
	}
	for partition, next := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(partition, next)
	}
	e.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}
