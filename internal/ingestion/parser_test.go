package ingestion_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"torex/internal/event"
	"torex/internal/ingestion"
	"torex/internal/testutil"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseFlowCreated(t *testing.T) {
	payload := map[string]interface{}{
		"change_id":       "550e8400-e29b-41d4-a716-446655440000",
		"torex":           "usdc-eth-7d",
		"trader":          "660e8400-e29b-41d4-a716-446655440001",
		"gross_rate":      int64(500_000),
		"user_data":       base64.StdEncoding.EncodeToString([]byte("ref=42")),
		"change_sequence": int64(7),
		"timestamp_us":    int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "FlowCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fc, ok := evt.(*event.FlowCreated)
	if !ok {
		t.Fatalf("expected *event.FlowCreated, got %T", evt)
	}

	if fc.Torex != "usdc-eth-7d" {
		t.Errorf("torex: got %s, want usdc-eth-7d", fc.Torex)
	}
	if fc.GrossRate != 500_000 {
		t.Errorf("gross_rate: got %d, want 500_000", fc.GrossRate)
	}
	if string(fc.UserData) != "ref=42" {
		t.Errorf("user_data: got %q, want ref=42", fc.UserData)
	}
	if fc.ChangeSequence != 7 {
		t.Errorf("change_sequence: got %d, want 7", fc.ChangeSequence)
	}
	if !fc.Timestamp.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("timestamp: got %v", fc.Timestamp)
	}
	if fc.EventType() != event.EventTypeFlowCreated {
		t.Errorf("event type: got %v, want FlowCreated", fc.EventType())
	}
	if fc.IdempotencyKey() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("idempotency key: got %s", fc.IdempotencyKey())
	}
}

func TestParseFlowCreatedRejectsNonPositiveRate(t *testing.T) {
	payload := map[string]interface{}{
		"change_id":       "550e8400-e29b-41d4-a716-446655440000",
		"torex":           "usdc-eth-7d",
		"trader":          "660e8400-e29b-41d4-a716-446655440001",
		"gross_rate":      int64(0),
		"change_sequence": int64(1),
		"timestamp_us":    int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "FlowCreated"); err == nil {
		t.Fatal("expected error for zero gross_rate")
	}
	if _, err := ingestion.ParseRawEvent(raw, "FlowUpdated"); err == nil {
		t.Fatal("expected error for zero gross_rate on update")
	}
}

func TestParseFlowDeletedIgnoresRate(t *testing.T) {
	payload := map[string]interface{}{
		"change_id":       "550e8400-e29b-41d4-a716-446655440003",
		"torex":           "usdc-eth-7d",
		"trader":          "660e8400-e29b-41d4-a716-446655440001",
		"change_sequence": int64(9),
		"timestamp_us":    int64(1700000001000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "FlowDeleted")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fd, ok := evt.(*event.FlowDeleted)
	if !ok {
		t.Fatalf("expected *event.FlowDeleted, got %T", evt)
	}
	if fd.ChangeSequence != 9 {
		t.Errorf("change_sequence: got %d, want 9", fd.ChangeSequence)
	}
	if fd.TorexID() == nil || *fd.TorexID() != "usdc-eth-7d" {
		t.Errorf("torex id: got %v", fd.TorexID())
	}
}

func TestParsePriceTick(t *testing.T) {
	payload := map[string]interface{}{
		"pool":               "usdc-eth",
		"price":              int64(2_000_000),
		"price_sequence":     int64(1234),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "PriceTick")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pt, ok := evt.(*event.PriceTick)
	if !ok {
		t.Fatalf("expected *event.PriceTick, got %T", evt)
	}
	if pt.Pool != "usdc-eth" {
		t.Errorf("pool: got %s, want usdc-eth", pt.Pool)
	}
	if pt.Price != 2_000_000 {
		t.Errorf("price: got %d, want 2_000_000", pt.Price)
	}
	if pt.TorexID() != nil {
		t.Errorf("price ticks are global, got torex id %v", *pt.TorexID())
	}
	if pt.IdempotencyKey() != "usdc-eth:price:1234" {
		t.Errorf("idempotency key: got %s", pt.IdempotencyKey())
	}
}

func TestParsePriceTickRejectsNonPositivePrice(t *testing.T) {
	payload := map[string]interface{}{
		"pool":               "usdc-eth",
		"price":              int64(-5),
		"price_sequence":     int64(1),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "PriceTick"); err == nil {
		t.Fatal("expected error for negative price")
	}
}

func TestParseLiquidityMoveRequested(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":       "770e8400-e29b-41d4-a716-446655440002",
		"torex":            "usdc-eth-7d",
		"mover":            "pool-swap",
		"request_sequence": int64(3),
		"timestamp_us":     int64(1700000002000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "LiquidityMoveRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mr, ok := evt.(*event.LiquidityMoveRequested)
	if !ok {
		t.Fatalf("expected *event.LiquidityMoveRequested, got %T", evt)
	}
	if mr.Mover != "pool-swap" {
		t.Errorf("mover: got %s, want pool-swap", mr.Mover)
	}
	if mr.RequestSequence != 3 {
		t.Errorf("request_sequence: got %d, want 3", mr.RequestSequence)
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		payload   map[string]interface{}
	}{
		{
			name:      "flow missing torex",
			eventType: "FlowCreated",
			payload: map[string]interface{}{
				"change_id":  "550e8400-e29b-41d4-a716-446655440000",
				"trader":     "660e8400-e29b-41d4-a716-446655440001",
				"gross_rate": int64(100),
			},
		},
		{
			name:      "flow bad trader uuid",
			eventType: "FlowDeleted",
			payload: map[string]interface{}{
				"change_id": "550e8400-e29b-41d4-a716-446655440000",
				"torex":     "usdc-eth-7d",
				"trader":    "not-a-uuid",
			},
		},
		{
			name:      "move missing mover",
			eventType: "LiquidityMoveRequested",
			payload: map[string]interface{}{
				"request_id": "770e8400-e29b-41d4-a716-446655440002",
				"torex":      "usdc-eth-7d",
			},
		},
		{
			name:      "price missing pool",
			eventType: "PriceTick",
			payload: map[string]interface{}{
				"price": int64(100),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := rawFromJSON(t, tc.payload)
			if _, err := ingestion.ParseRawEvent(raw, tc.eventType); err == nil {
				t.Errorf("expected parse error")
			}
		})
	}
}

func TestParseUnknownEventType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawEvent(raw, "Bogus"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseFlowCreatedWireFixture(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject:   "torex.flows.created.usdcx-ethx",
		Data:      testutil.GoldenFile(t, "flow_created.json"),
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}

	evt, err := ingestion.ParseRawEvent(raw, "FlowCreated")
	if err != nil {
		t.Fatalf("ParseRawEvent: %v", err)
	}
	fc := evt.(*event.FlowCreated)

	if fc.ChangeID.String() != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("change id = %s", fc.ChangeID)
	}
	if fc.Torex != "usdcx-ethx" || fc.GrossRate != 1500 || fc.ChangeSequence != 7 {
		t.Errorf("parsed fields = %+v", fc)
	}
	if string(fc.UserData) != "hello" {
		t.Errorf("user data = %q, want %q", fc.UserData, "hello")
	}
	if fc.Timestamp.UnixMicro() != 1_700_000_010_000_000 {
		t.Errorf("timestamp = %v", fc.Timestamp)
	}
}
