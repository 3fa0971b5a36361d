package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"torex/internal/core"
	"torex/internal/distribution"
	"torex/internal/ledger"
	"torex/internal/torex"
	"torex/internal/trader"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain per-instance balances, trader flow states, pool units,
// sequence counters, recent idempotency keys, and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serializable form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Instances       []InstanceSnapshot `json:"instances"`
	SequenceState   map[string]int64   `json:"sequence_state"`  // partition -> next expected seq
	IdempotencyKeys []string           `json:"idempotency_keys"` // Recent keys for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

// InstanceSnapshot is the serializable state of one Torex instance.
type InstanceSnapshot struct {
	ID               string                        `json:"id"`
	LastMoveAt       int64                         `json:"last_move_at"`
	FeeDistRate      int64                         `json:"fee_dist_rate"`
	FeeBuffer        int64                         `json:"fee_buffer"`
	ControllerErrors uint64                        `json:"controller_errors"`
	Balances         []BalanceSnapshot             `json:"balances"`
	Traders          []TraderSnapshot              `json:"traders"`
	OutPoolMembers   []distribution.MemberSnapshot `json:"out_pool_members"`
	FeePoolMembers   []distribution.MemberSnapshot `json:"fee_pool_members"`
}

// BalanceSnapshot is one account balance, with the key fields spelled out
// so the snapshot survives asset-ID reassignment across restarts.
type BalanceSnapshot struct {
	Scope    uint8  `json:"scope"`
	EntityID string `json:"entity_id"` // trader UUID; zero UUID for system/external
	SubType  uint8  `json:"sub_type"`
	Asset    string `json:"asset"`
	Balance  int64  `json:"balance"`
}

// TraderSnapshot is a serializable trader flow state.
type TraderSnapshot struct {
	Trader      string `json:"trader"`
	ContribRate int64  `json:"contrib_rate"`
	FeeRate     int64  `json:"fee_rate"`
	UpdatedAt   int64  `json:"updated_at"`
	SettledAt   int64  `json:"settled_at"`
}

// EncodeSnapshot converts engine state into its serializable form.
func EncodeSnapshot(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        state.Sequence,
		StateHash:       state.StateHash[:],
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for _, inst := range state.Instances {
		is := InstanceSnapshot{
			ID:               inst.ID,
			LastMoveAt:       inst.LastMoveAt,
			FeeDistRate:      inst.FeeDistRate,
			FeeBuffer:        inst.FeeBuffer,
			ControllerErrors: inst.ControllerErrors,
			OutPoolMembers:   inst.OutPoolMembers,
			FeePoolMembers:   inst.FeePoolMembers,
		}
		for key, bal := range inst.Balances {
			assetName, _ := ledger.GetAssetName(key.AssetID)
			is.Balances = append(is.Balances, BalanceSnapshot{
				Scope:    uint8(key.Scope),
				EntityID: key.EntityID.String(),
				SubType:  uint8(key.SubType),
				Asset:    assetName,
				Balance:  bal,
			})
		}
		for _, ts := range inst.Traders {
			is.Traders = append(is.Traders, TraderSnapshot{
				Trader:      ts.Trader.String(),
				ContribRate: ts.ContribRate,
				FeeRate:     ts.FeeRate,
				UpdatedAt:   ts.UpdatedAt,
				SettledAt:   ts.SettledAt,
			})
		}
		data.Instances = append(data.Instances, is)
	}

	return data
}

// DecodeSnapshot converts stored snapshot data back into engine state.
func DecodeSnapshot(data *SnapshotData) (*core.SnapshotState, error) {
	state := &core.SnapshotState{
		Sequence:        data.Sequence,
		SequenceState:   data.SequenceState,
		IdempotencyKeys: data.IdempotencyKeys,
	}
	if len(data.StateHash) != 32 {
		return nil, fmt.Errorf("state hash length %d, want 32", len(data.StateHash))
	}
	copy(state.StateHash[:], data.StateHash)

	for _, is := range data.Instances {
		inst := &torex.Snapshot{
			ID:               is.ID,
			LastMoveAt:       is.LastMoveAt,
			FeeDistRate:      is.FeeDistRate,
			FeeBuffer:        is.FeeBuffer,
			ControllerErrors: is.ControllerErrors,
			Balances:         make(map[ledger.AccountKey]int64, len(is.Balances)),
			OutPoolMembers:   is.OutPoolMembers,
			FeePoolMembers:   is.FeePoolMembers,
		}
		for _, bs := range is.Balances {
			entityID, err := uuid.Parse(bs.EntityID)
			if err != nil {
				return nil, fmt.Errorf("parse balance entity %q: %w", bs.EntityID, err)
			}
			assetID, ok := ledger.GetAssetID(bs.Asset)
			if !ok {
				return nil, fmt.Errorf("snapshot references unregistered asset %q", bs.Asset)
			}
			key := ledger.AccountKey{
				Scope:    ledger.AccountScope(bs.Scope),
				EntityID: entityID,
				SubType:  ledger.AccountSubType(bs.SubType),
				AssetID:  assetID,
			}
			inst.Balances[key] = bs.Balance
		}
		for _, ts := range is.Traders {
			traderID, err := uuid.Parse(ts.Trader)
			if err != nil {
				return nil, fmt.Errorf("parse trader %q: %w", ts.Trader, err)
			}
			inst.Traders = append(inst.Traders, trader.State{
				Trader:      traderID,
				ContribRate: ts.ContribRate,
				FeeRate:     ts.FeeRate,
				UpdatedAt:   ts.UpdatedAt,
				SettledAt:   ts.SettledAt,
			})
		}
		state.Instances = append(state.Instances, inst)
	}

	return state, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying events from the snapshot sequence
// forward before being trusted for restarts.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. On warm
// restart, load the latest snapshot then replay events from sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay. Used for
// warm restart (replay from snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, torex_id, payload, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.TorexID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
