package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"torex/internal/controller"
	"torex/internal/core"
	"torex/internal/event"
	"torex/internal/observer"
	"torex/internal/persistence"
	"torex/internal/testutil"
	"torex/internal/torex"
	"torex/internal/torexmath"
)

const (
	testEpoch   int64 = 1_700_000_000
	testTorexID       = "usdcx-ethx"
)

type floorMover struct{}

func (floorMover) MoveLiquidity(_ context.Context, req torex.MoveRequest, sink torex.ProceedsSink) error {
	return sink.Deposit(req.MinOutAmount)
}

func newIntegrationEngine(t *testing.T, db *sql.DB) (*core.Engine, chan core.CoreOutput) {
	t.Helper()

	hop, err := observer.NewPoolHop("usdc-eth", 1_000_000, 2_000_000, testEpoch)
	if err != nil {
		t.Fatal(err)
	}
	chain, err := observer.NewPoolChain(testEpoch, hop)
	if err != nil {
		t.Fatal(err)
	}
	discount, err := torexmath.NewDiscountFactor(7*24*3600, 5_000)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := torex.NewTorex(torex.Config{
		ID:               testTorexID,
		InAsset:          "USDCx",
		OutAsset:         "ETHx",
		Observer:         chain,
		TwapScaler:       1,
		Discount:         discount,
		OutPoolScaler:    1,
		FeePoolScaler:    1,
		Controller:       controller.NopController{},
		ControllerBudget: 100 * time.Millisecond,
		MaxAllowedFeePM:  200_000,
		FeeBufferPeriod:  0,
		CreatedAt:        testEpoch,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	persistChan := make(chan core.CoreOutput, 128)
	projChan := make(chan core.CoreOutput, 128)
	var checker core.DBIdempotencyChecker
	if db != nil {
		checker = persistence.NewPostgresIdempotencyChecker(db)
	}
	eng := core.NewEngine(0, persistChan, projChan, checker, nil, zerolog.Nop())
	if err := eng.RegisterTorex(tx); err != nil {
		t.Fatal(err)
	}
	eng.RegisterMover("pool-swap", floorMover{})
	eng.RegisterPoolChain(chain)
	return eng, persistChan
}

// convertOutput mirrors the cmd bridge: envelope and journals to rows, with
// account paths qualified by the owning instance.
func convertOutput(output core.CoreOutput) persistence.CoreOutput {
	qualify := func(path string) string {
		if output.Envelope.TorexID == nil {
			return path
		}
		return *output.Envelope.TorexID + "/" + path
	}

	row := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       output.Envelope.Sequence,
			EventType:      output.Envelope.EventType.String(),
			IdempotencyKey: output.Envelope.IdempotencyKey,
			TorexID:        output.Envelope.TorexID,
			Payload:        output.Envelope.Payload,
			StateHash:      output.Envelope.StateHash[:],
			PrevHash:       output.Envelope.PrevHash[:],
			Timestamp:      output.Envelope.Timestamp,
			SourceSequence: output.Envelope.SourceSequence,
		},
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			row.JournalRows = append(row.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  qualify(j.DebitAccount.AccountPath()),
				CreditAccount: qualify(j.CreditAccount.AccountPath()),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row
}

func setupSchema(t *testing.T, db *sql.DB) {
	t.Helper()
	if err := persistence.NewMigrator(db, "../../migrations").Up(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
}

// TestEngineRecoveryRoundTrip drives events through the engine and the
// persistence worker into Postgres, then recovers a second engine from the
// snapshot and the event log and checks it converges on the same state hash.
func TestEngineRecoveryRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	setupSchema(t, db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, persistChan := newIntegrationEngine(t, db)

	workerChan := make(chan persistence.CoreOutput, 128)
	worker := persistence.NewPersistenceWorker(db, workerChan, 10, 5*time.Millisecond, nil)
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	trader := uuid.New()
	flowCreate := &event.FlowCreated{
		ChangeID:       uuid.New(),
		Torex:          testTorexID,
		Trader:         trader,
		GrossRate:      400,
		ChangeSequence: 0,
		Timestamp:      time.Unix(testEpoch+10, 0),
	}
	move := &event.LiquidityMoveRequested{
		RequestID:       uuid.New(),
		Torex:           testTorexID,
		Mover:           "pool-swap",
		RequestSequence: 0,
		Timestamp:       time.Unix(testEpoch+3_600, 0),
	}
	for _, evt := range []event.Event{flowCreate, move} {
		if err := eng.ProcessEvent(ctx, evt); err != nil {
			t.Fatalf("%s: %v", evt.EventType(), err)
		}
		workerChan <- convertOutput(<-persistChan)
	}

	// Let the worker flush, then stop it.
	waitForRowCount(t, db, "SELECT COUNT(*) FROM event_log.events", 2)
	cancel()
	<-workerDone

	var journals int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_log.journal").Scan(&journals); err != nil {
		t.Fatal(err)
	}
	if journals == 0 {
		t.Fatal("no journal rows written")
	}
	var debit string
	if err := db.QueryRow(
		"SELECT debit_account FROM event_log.journal ORDER BY sequence LIMIT 1",
	).Scan(&debit); err != nil {
		t.Fatal(err)
	}
	if want := testTorexID + "/"; len(debit) < len(want) || debit[:len(want)] != want {
		t.Errorf("journal account %q not qualified by instance", debit)
	}

	// The cold tier now sees both events.
	checker := persistence.NewPostgresIdempotencyChecker(db)
	if dup, err := checker.IsDuplicate("FlowCreated", flowCreate.IdempotencyKey()); err != nil || !dup {
		t.Errorf("IsDuplicate(FlowCreated) = (%v, %v), want (true, nil)", dup, err)
	}
	keys, err := checker.RecentKeys(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "FlowCreated:"+flowCreate.IdempotencyKey() {
		t.Errorf("RecentKeys = %v, want composite keys oldest-first", keys)
	}

	// Snapshot, then recover a fresh engine: restore + replay-from-log.
	snapMgr := persistence.NewSnapshotManager(db)
	snapData := persistence.EncodeSnapshot(eng.CreateSnapshotState(), time.Now())
	if err := snapMgr.SaveSnapshot(context.Background(), snapData); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := snapMgr.MarkVerified(context.Background(), snapData.Sequence); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	loaded, err := snapMgr.LoadLatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if loaded == nil || loaded.Sequence != 1 {
		t.Fatalf("loaded snapshot = %+v, want sequence 1", loaded)
	}

	restored, recoverChan := newIntegrationEngine(t, db)
	coreSnap, err := persistence.DecodeSnapshot(loaded)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if err := restored.RestoreFromSnapshot(coreSnap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if restored.GetStateHash() != eng.GetStateHash() {
		t.Error("restored state hash differs")
	}
	drain(recoverChan)

	// Cold start: replay everything from the log on a third engine.
	cold, coldChan := newIntegrationEngine(t, nil)
	rows, err := snapMgr.LoadEventsFrom(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("LoadEventsFrom: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("loaded %d events, want 2", len(rows))
	}
	cold.SetReplayMode(true)
	for _, row := range rows {
		evt, err := decodeRow(row)
		if err != nil {
			t.Fatalf("decode seq %d: %v", row.Sequence, err)
		}
		if err := cold.ProcessEvent(context.Background(), evt); err != nil {
			t.Fatalf("replay seq %d: %v", row.Sequence, err)
		}
	}
	cold.SetReplayMode(false)
	if cold.GetStateHash() != eng.GetStateHash() {
		t.Error("replayed state hash differs from original run")
	}
	drain(coldChan)
}

func decodeRow(row persistence.EventRow) (event.Event, error) {
	switch row.EventType {
	case "FlowCreated":
		var e event.FlowCreated
		return &e, json.Unmarshal(row.Payload, &e)
	case "LiquidityMoveRequested":
		var e event.LiquidityMoveRequested
		return &e, json.Unmarshal(row.Payload, &e)
	default:
		var e event.PriceTick
		return &e, json.Unmarshal(row.Payload, &e)
	}
}

func drain(ch chan core.CoreOutput) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func waitForRowCount(t *testing.T, db *sql.DB, query string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var got int
		if err := db.QueryRow(query).Scan(&got); err == nil && got >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d rows from %q", want, query)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestWriterIdempotentReplay re-writes the same rows and relies on the
// ON CONFLICT guards to keep the log single-copy.
func TestWriterIdempotentReplay(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	setupSchema(t, db)

	eng, persistChan := newIntegrationEngine(t, db)
	if err := eng.ProcessEvent(context.Background(), &event.PriceTick{
		Pool:           "usdc-eth",
		Price:          2_100_000,
		PriceSequence:  1,
		PriceTimestamp: (testEpoch + 5) * 1_000_000,
	}); err != nil {
		t.Fatal(err)
	}
	row := convertOutput(<-persistChan)

	writer := persistence.NewEventLogWriter(db)
	tx1, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteEventBatch(context.Background(), tx1, []persistence.EventRow{row.EventRow}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteEventBatch(context.Background(), tx2, []persistence.EventRow{row.EventRow}); err != nil {
		t.Fatalf("duplicate write must be a no-op: %v", err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM event_log.events").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("event rows = %d after replayed write, want 1", count)
	}
}
