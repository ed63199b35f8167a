package event

import "github.com/google/uuid"

// Audit record payloads. Each mutating ledger operation emits exactly one of
// these (plus zero or more FillChanged records) carrying before/after values
// for the quantities it touched.

type PositionOpened struct {
	PositionID   uint64    `json:"position_id"`
	Owner        uuid.UUID `json:"owner"`
	Margin       int64     `json:"margin"`
	Leverage     int64     `json:"leverage"`
	PositionSize int64     `json:"position_size"`
	EntryRate    int64     `json:"entry_rate"`
	EntryFee     int64     `json:"entry_fee"`
}

type PositionClosed struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	PnL        int64     `json:"pnl"`
	Payout     int64     `json:"payout"`
	ExitRate   int64     `json:"exit_rate"`
	ExitFee    int64     `json:"exit_fee"`
	Emergency  bool      `json:"emergency,omitempty"`
}

type MarginChanged struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	OldMargin  int64     `json:"old_margin"`
	NewMargin  int64     `json:"new_margin"`
	Fee        int64     `json:"fee,omitempty"`
}

type FillChanged struct {
	PositionID uint64 `json:"position_id"`
	OldFilled  int64  `json:"old_filled"`
	NewFilled  int64  `json:"new_filled"`
}

type LiquidationCommitted struct {
	Owner      uuid.UUID `json:"owner"`
	PositionID uint64    `json:"position_id"`
	Liquidator uuid.UUID `json:"liquidator"`
	CommitKey  string    `json:"commit_key"` // hex digest; the salt is never logged
}

type LiquidationExecuted struct {
	Owner          uuid.UUID `json:"owner"`
	PositionID     uint64    `json:"position_id"`
	Liquidator     uuid.UUID `json:"liquidator"`
	MarginRatioBps int64     `json:"margin_ratio_bps"`
	Reward         int64     `json:"reward"`
	OwnerRefund    int64     `json:"owner_refund"`
	CommitKey      string    `json:"commit_key"`
}

type LiquidationCancelled struct {
	Liquidator uuid.UUID `json:"liquidator"`
	CommitKey  string    `json:"commit_key"`
}

type LiquidationExpired struct {
	ClearedBy uuid.UUID `json:"cleared_by"`
	CommitKey string    `json:"commit_key"`
}

type RewardsClaimed struct {
	Owner        uuid.UUID `json:"owner"`
	InterestDiff int64     `json:"interest_diff"`
	YieldShare   int64     `json:"yield_share"`
	Total        int64     `json:"total"`
}

// ParamsUpdated carries the full post-update parameter record so the
// audit log alone can reconstruct governance state.
type ParamsUpdated struct {
	Caller                  uuid.UUID `json:"caller"`
	MinMarginRatioBps       int64     `json:"min_margin_ratio_bps"`
	LiquidationThresholdBps int64     `json:"liquidation_threshold_bps"`
	MaxLeverage             int64     `json:"max_leverage"`
	LiquidationPenaltyBps   int64     `json:"liquidation_penalty_bps"`
	EntryFeeBps             int64     `json:"entry_fee_bps"`
	ExitFeeBps              int64     `json:"exit_fee_bps"`
	MarginFeeBps            int64     `json:"margin_fee_bps"`
	EURRateBps              int64     `json:"eur_rate_bps"`
	USDRateBps              int64     `json:"usd_rate_bps"`
}

type PauseChanged struct {
	Caller uuid.UUID `json:"caller"`
	Paused bool      `json:"paused"`
}
