package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"HedgeLedger/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed inbound event. The ingestion shell validates and converts before
// anything reaches the engine; a parse failure is terminal for the message.
func ParseRawEvent(raw RawEvent, eventType string) (event.Inbound, error) {
	switch eventType {
	case "UserMintFlow":
		return parseMintFlow(raw.Data)
	case "UserRedeemFlow":
		return parseRedeemFlow(raw.Data)
	case "RateUpdate":
		return parseRateUpdate(raw.Data)
	case "ParamUpdate":
		return parseParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type flowJSON struct {
	FlowID      string `json:"flow_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMintFlow(data []byte) (*event.UserMintFlow, error) {
	var j flowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UserMintFlow: %w", err)
	}
	flowID, err := uuid.Parse(j.FlowID)
	if err != nil {
		return nil, fmt.Errorf("parse flow_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("parse UserMintFlow: non-positive amount %d", j.Amount)
	}
	return &event.UserMintFlow{
		FlowID:       flowID,
		Amount:       j.Amount,
		FlowSequence: j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseRedeemFlow(data []byte) (*event.UserRedeemFlow, error) {
	var j flowJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UserRedeemFlow: %w", err)
	}
	flowID, err := uuid.Parse(j.FlowID)
	if err != nil {
		return nil, fmt.Errorf("parse flow_id: %w", err)
	}
	if j.Amount <= 0 {
		return nil, fmt.Errorf("parse UserRedeemFlow: non-positive amount %d", j.Amount)
	}
	return &event.UserRedeemFlow{
		FlowID:       flowID,
		Amount:       j.Amount,
		FlowSequence: j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type rateUpdateJSON struct {
	Rate         int64 `json:"rate"`
	RateSequence int64 `json:"rate_sequence"`
	RateTs       int64 `json:"rate_ts"`
}

func parseRateUpdate(data []byte) (*event.RateUpdate, error) {
	var j rateUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RateUpdate: %w", err)
	}
	if j.Rate <= 0 {
		return nil, fmt.Errorf("parse RateUpdate: non-positive rate %d", j.Rate)
	}
	return &event.RateUpdate{
		Rate:          j.Rate,
		RateSequence:  j.RateSequence,
		RateTimestamp: j.RateTs,
	}, nil
}

type paramUpdateJSON struct {
	UpdateID                string `json:"update_id"`
	Caller                  string `json:"caller"`
	MinMarginRatioBps       int64  `json:"min_margin_ratio_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	MaxLeverage             int64  `json:"max_leverage"`
	LiquidationPenaltyBps   int64  `json:"liquidation_penalty_bps"`
	EntryFeeBps             int64  `json:"entry_fee_bps"`
	ExitFeeBps              int64  `json:"exit_fee_bps"`
	MarginFeeBps            int64  `json:"margin_fee_bps"`
	EURRateBps              int64  `json:"eur_rate_bps"`
	USDRateBps              int64  `json:"usd_rate_bps"`
	Sequence                int64  `json:"sequence"`
	TimestampUs             int64  `json:"timestamp_us"`
}

func parseParamUpdate(data []byte) (*event.ParamUpdate, error) {
	var j paramUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ParamUpdate: %w", err)
	}
	updateID, err := uuid.Parse(j.UpdateID)
	if err != nil {
		return nil, fmt.Errorf("parse update_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &event.ParamUpdate{
		UpdateID:                updateID,
		Caller:                  caller,
		MinMarginRatioBps:       j.MinMarginRatioBps,
		LiquidationThresholdBps: j.LiquidationThresholdBps,
		MaxLeverage:             j.MaxLeverage,
		LiquidationPenaltyBps:   j.LiquidationPenaltyBps,
		EntryFeeBps:             j.EntryFeeBps,
		ExitFeeBps:              j.ExitFeeBps,
		MarginFeeBps:            j.MarginFeeBps,
		EURRateBps:              j.EURRateBps,
		USDRateBps:              j.USDRateBps,
		UpdateSequence:          j.Sequence,
		Timestamp:               time.UnixMicro(j.TimestampUs),
	}, nil
}
