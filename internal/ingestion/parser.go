package ingestion

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"torex/internal/event"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "FlowCreated":
		return parseFlowCreated(raw.Data)
	case "FlowUpdated":
		return parseFlowUpdated(raw.Data)
	case "FlowDeleted":
		return parseFlowDeleted(raw.Data)
	case "PriceTick":
		return parsePriceTick(raw.Data)
	case "LiquidityMoveRequested":
		return parseLiquidityMoveRequested(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. user_data is
// base64, matching encoding/json's []byte convention.

type flowChangeJSON struct {
	ChangeID       string `json:"change_id"`
	Torex          string `json:"torex"`
	Trader         string `json:"trader"`
	GrossRate      int64  `json:"gross_rate"`
	UserData       string `json:"user_data,omitempty"`
	ChangeSequence int64  `json:"change_sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func (j *flowChangeJSON) decode(wantRate bool) (uuid.UUID, uuid.UUID, []byte, error) {
	changeID, err := uuid.Parse(j.ChangeID)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("parse change_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("parse trader: %w", err)
	}
	if j.Torex == "" {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("torex must not be empty")
	}
	if wantRate && j.GrossRate <= 0 {
		return uuid.Nil, uuid.Nil, nil, fmt.Errorf("gross_rate must be positive, got %d", j.GrossRate)
	}
	userData, err := decodeUserData(j.UserData)
	if err != nil {
		return uuid.Nil, uuid.Nil, nil, err
	}
	return changeID, trader, userData, nil
}

func parseFlowCreated(data []byte) (*event.FlowCreated, error) {
	var j flowChangeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FlowCreated: %w", err)
	}
	changeID, trader, userData, err := j.decode(true)
	if err != nil {
		return nil, err
	}
	return &event.FlowCreated{
		ChangeID:       changeID,
		Torex:          j.Torex,
		Trader:         trader,
		GrossRate:      j.GrossRate,
		UserData:       userData,
		ChangeSequence: j.ChangeSequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseFlowUpdated(data []byte) (*event.FlowUpdated, error) {
	var j flowChangeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FlowUpdated: %w", err)
	}
	changeID, trader, userData, err := j.decode(true)
	if err != nil {
		return nil, err
	}
	return &event.FlowUpdated{
		ChangeID:       changeID,
		Torex:          j.Torex,
		Trader:         trader,
		GrossRate:      j.GrossRate,
		UserData:       userData,
		ChangeSequence: j.ChangeSequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseFlowDeleted(data []byte) (*event.FlowDeleted, error) {
	var j flowChangeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FlowDeleted: %w", err)
	}
	changeID, trader, userData, err := j.decode(false)
	if err != nil {
		return nil, err
	}
	return &event.FlowDeleted{
		ChangeID:       changeID,
		Torex:          j.Torex,
		Trader:         trader,
		UserData:       userData,
		ChangeSequence: j.ChangeSequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceTickJSON struct {
	Pool           string `json:"pool"`
	Price          int64  `json:"price"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp_us"`
}

func parsePriceTick(data []byte) (*event.PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceTick: %w", err)
	}
	if j.Pool == "" {
		return nil, fmt.Errorf("pool must not be empty")
	}
	if j.Price <= 0 {
		return nil, fmt.Errorf("price must be positive, got %d", j.Price)
	}
	return &event.PriceTick{
		Pool:           j.Pool,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestamp,
	}, nil
}

type moveRequestJSON struct {
	RequestID       string `json:"request_id"`
	Torex           string `json:"torex"`
	Mover           string `json:"mover"`
	UserData        string `json:"user_data,omitempty"`
	RequestSequence int64  `json:"request_sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseLiquidityMoveRequested(data []byte) (*event.LiquidityMoveRequested, error) {
	var j moveRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidityMoveRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if j.Torex == "" {
		return nil, fmt.Errorf("torex must not be empty")
	}
	if j.Mover == "" {
		return nil, fmt.Errorf("mover must not be empty")
	}
	userData, err := decodeUserData(j.UserData)
	if err != nil {
		return nil, err
	}
	return &event.LiquidityMoveRequested{
		RequestID:       requestID,
		Torex:           j.Torex,
		Mover:           j.Mover,
		UserData:        userData,
		RequestSequence: j.RequestSequence,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

func decodeUserData(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse user_data: %w", err)
	}
	return b, nil
}
