package event

import (
	"time"
)

// Type discriminates audit-log records and inbound events.
type Type int32

const (
	TypeUnknown Type = iota

	// Inbound (NATS-delivered)
	TypeUserMintFlow
	TypeUserRedeemFlow
	TypeRateUpdate
	TypeParamUpdate

	// Outbound audit records
	TypePositionOpened
	TypePositionClosed
	TypeMarginAdded
	TypeMarginRemoved
	TypeFillChanged
	TypeLiquidationCommitted
	TypeLiquidationExecuted
	TypeLiquidationCancelled
	TypeLiquidationExpired
	TypeRewardsClaimed
	TypeParamsUpdated
	TypePauseChanged
)

// AuditEnvelope wraps every record appended to the audit log. Envelopes are
// append-only: downstream indexers reconcile off-chain state from them, they
// never drive control flow.
type AuditEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Record type discriminator
	EventType Type

	// Clock reading at the time the operation committed
	Timestamp time.Time

	// JSON-encoded record payload
	Payload []byte

	// SHA-256 of aggregate state AFTER this record
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Inbound is implemented by events delivered over NATS. The ingestion shell
// validates and parses them before they reach the engine.
type Inbound interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64
}

func (t Type) String() string {
	switch t {
	case TypeUserMintFlow:
		return "UserMintFlow"
	case TypeUserRedeemFlow:
		return "UserRedeemFlow"
	case TypeRateUpdate:
		return "RateUpdate"
	case TypeParamUpdate:
		return "ParamUpdate"
	case TypePositionOpened:
		return "PositionOpened"
	case TypePositionClosed:
		return "PositionClosed"
	case TypeMarginAdded:
		return "MarginAdded"
	case TypeMarginRemoved:
		return "MarginRemoved"
	case TypeFillChanged:
		return "FillChanged"
	case TypeLiquidationCommitted:
		return "LiquidationCommitted"
	case TypeLiquidationExecuted:
		return "LiquidationExecuted"
	case TypeLiquidationCancelled:
		return "LiquidationCancelled"
	case TypeLiquidationExpired:
		return "LiquidationExpired"
	case TypeRewardsClaimed:
		return "RewardsClaimed"
	case TypeParamsUpdated:
		return "ParamsUpdated"
	case TypePauseChanged:
		return "PauseChanged"
	default:
		return "Unknown"
	}
}
