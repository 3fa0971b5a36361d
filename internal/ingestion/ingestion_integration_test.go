package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"torex/internal/event"
	"torex/internal/ingestion"
	"torex/internal/testutil"
)

// TestNATSRoundTrip publishes a flow-create to JetStream and checks the
// subscriber delivers it and the parser yields the typed event.
func TestNATSRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL())
	if err != nil {
		t.Skipf("test nats not available: %v (start with: docker compose -f docker-compose.test.yml up -d)", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		t.Fatalf("EnsureStreams: %v", err)
	}

	rawChan := make(chan ingestion.RawEvent, 64)
	sub := ingestion.NewNATSSubscriber(js, rawChan)
	if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Stop()

	changeID := uuid.New()
	trader := uuid.New()
	payload, err := json.Marshal(map[string]interface{}{
		"change_id":       changeID.String(),
		"torex":           "usdcx-ethx",
		"trader":          trader.String(),
		"gross_rate":      400,
		"change_sequence": 0,
		"timestamp_us":    int64(1_700_000_010) * 1_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := js.Publish(ctx, "torex.flows.created.usdcx-ethx", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Durable consumers can redeliver leftovers from earlier runs; match on
	// the change id.
	fc, err := awaitFlowCreated(ctx, rawChan, changeID)
	if err != nil {
		t.Fatal(err)
	}
	if fc.Torex != "usdcx-ethx" || fc.Trader != trader || fc.GrossRate != 400 {
		t.Errorf("parsed event = %+v", fc)
	}
	if fc.Timestamp.UnixMicro() != int64(1_700_000_010)*1_000_000 {
		t.Errorf("timestamp = %v", fc.Timestamp)
	}
	if fc.EventType() != event.EventTypeFlowCreated {
		t.Errorf("event type = %s", fc.EventType())
	}
}

func awaitFlowCreated(ctx context.Context, rawChan <-chan ingestion.RawEvent, changeID uuid.UUID) (*event.FlowCreated, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for change %s", changeID)
		case raw := <-rawChan:
			raw.AckFunc()
			evt, err := ingestion.ParseRawEvent(raw, "FlowCreated")
			if err != nil {
				continue // leftover from another subject or run
			}
			fc, ok := evt.(*event.FlowCreated)
			if !ok || fc.ChangeID != changeID {
				continue
			}
			return fc, nil
		}
	}
}
