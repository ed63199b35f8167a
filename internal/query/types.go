package query

import "github.com/google/uuid"

// PositionResponse represents a hedge position for API queries.
type PositionResponse struct {
	PositionID   uint64    `json:"position_id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	Margin       int64     `json:"margin"`
	PositionSize int64     `json:"position_size"`
	FilledVolume int64     `json:"filled_volume"`
	EntryRate    int64     `json:"entry_rate"`
	Leverage     int64     `json:"leverage"`
	Status       string    `json:"status"`
	OpenedAt     int64     `json:"opened_at"`
	ClosedAt     *int64    `json:"closed_at,omitempty"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// FillHistoryResponse represents one fill change for API queries.
type FillHistoryResponse struct {
	PositionID   uint64 `json:"position_id"`
	OldFilled    int64  `json:"old_filled"`
	NewFilled    int64  `json:"new_filled"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LiquidationResponse represents an executed liquidation for API queries.
type LiquidationResponse struct {
	PositionID     uint64    `json:"position_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	LiquidatorID   uuid.UUID `json:"liquidator_id"`
	MarginRatioBps int64     `json:"margin_ratio_bps"`
	Reward         int64     `json:"reward"`
	OwnerRefund    int64     `json:"owner_refund"`
	Sequence       int64     `json:"sequence"`
	Timestamp      int64     `json:"timestamp"`
}

// RewardResponse represents a reward claim for API queries.
type RewardResponse struct {
	OwnerID      uuid.UUID `json:"owner_id"`
	InterestDiff int64     `json:"interest_diff"`
	YieldShare   int64     `json:"yield_share"`
	Total        int64     `json:"total"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
