package ingestion

import (
	"context"
	"fmt"
	"time"

	"torex/internal/event"

	"github.com/google/uuid"
)

// GRPCIngestService provides admin/manual event injection via gRPC.
// This surface is for operations and recovery tooling, not for
// high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	eventChan chan<- event.Event
}

func NewGRPCIngestService(eventChan chan<- event.Event) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan}
}

// InjectPriceTick manually injects a PriceTick event for one pool hop.
func (s *GRPCIngestService) InjectPriceTick(
	ctx context.Context,
	pool string,
	price int64,
	priceSequence int64,
) error {
	if pool == "" {
		return fmt.Errorf("pool must not be empty")
	}
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}

	evt := &event.PriceTick{
		Pool:           pool,
		Price:          price,
		PriceSequence:  priceSequence,
		PriceTimestamp: time.Now().UnixMicro(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectFlowDelete manually closes a trader's stream. Used by operators to
// unwind a stream whose upstream gateway is gone.
func (s *GRPCIngestService) InjectFlowDelete(
	ctx context.Context,
	torexID string,
	trader uuid.UUID,
	changeSequence int64,
) error {
	if torexID == "" {
		return fmt.Errorf("torex must not be empty")
	}

	evt := &event.FlowDeleted{
		ChangeID:       uuid.New(),
		Torex:          torexID,
		Trader:         trader,
		ChangeSequence: changeSequence,
		Timestamp:      time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectMoveRequest manually triggers a liquidity movement cycle.
func (s *GRPCIngestService) InjectMoveRequest(
	ctx context.Context,
	torexID string,
	mover string,
	requestSequence int64,
) error {
	if torexID == "" {
		return fmt.Errorf("torex must not be empty")
	}
	if mover == "" {
		return fmt.Errorf("mover must not be empty")
	}

	evt := &event.LiquidityMoveRequested{
		RequestID:       uuid.New(),
		Torex:           torexID,
		Mover:           mover,
		RequestSequence: requestSequence,
		Timestamp:       time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
