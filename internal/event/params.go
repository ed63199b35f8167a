package event

import (
	"time"

	"github.com/google/uuid"
)

// ParamUpdate is a governance-signed risk/fee parameter change delivered over
// NATS. Idempotency key: update_id.
type ParamUpdate struct {
	UpdateID               uuid.UUID
	Caller                 uuid.UUID
	MinMarginRatioBps      int64
	LiquidationThresholdBps int64
	MaxLeverage            int64
	LiquidationPenaltyBps  int64
	EntryFeeBps            int64
	ExitFeeBps             int64
	MarginFeeBps           int64
	EURRateBps             int64
	USDRateBps             int64
	UpdateSequence         int64
	Timestamp              time.Time
}

func (p *ParamUpdate) IdempotencyKey() string { return p.UpdateID.String() }
func (p *ParamUpdate) EventType() Type        { return TypeParamUpdate }
func (p *ParamUpdate) SourceSequence() int64  { return p.UpdateSequence }
