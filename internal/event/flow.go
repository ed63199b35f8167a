package event

import (
	"time"

	"github.com/google/uuid"
)

// UserMintFlow is emitted by the mint/redeem collaborator when stablecoin
// users mint against the pool. The amount must be matched against hedger
// spare capacity. Idempotency key: flow_id.
type UserMintFlow struct {
	FlowID       uuid.UUID
	Amount       int64 // Fixed-point: 6-decimal USD
	FlowSequence int64 // Source sequence from the flow collaborator
	Timestamp    time.Time
}

func (f *UserMintFlow) IdempotencyKey() string { return f.FlowID.String() }
func (f *UserMintFlow) EventType() Type        { return TypeUserMintFlow }
func (f *UserMintFlow) SourceSequence() int64  { return f.FlowSequence }

// UserRedeemFlow is the inverse: users redeeming stablecoins release matched
// volume back to hedger spare capacity.
type UserRedeemFlow struct {
	FlowID       uuid.UUID
	Amount       int64
	FlowSequence int64
	Timestamp    time.Time
}

func (f *UserRedeemFlow) IdempotencyKey() string { return f.FlowID.String() }
func (f *UserRedeemFlow) EventType() Type        { return TypeUserRedeemFlow }
func (f *UserRedeemFlow) SourceSequence() int64  { return f.FlowSequence }
