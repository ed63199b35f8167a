package state

import (
	"fmt"

	"HedgeLedger/internal/fxmath"

	"github.com/google/uuid"
)

// HedgePosition is one leveraged EUR/USD exposure record. Amounts are
// 6-decimal USD fixed point, rates 18-decimal. A position is deactivated on
// close or liquidation and its slot is never reused.
type HedgePosition struct {
	ID             uint64
	Owner          uuid.UUID
	PositionSize   int64 // notional exposure
	FilledVolume   int64 // portion matched against user flow, <= PositionSize
	Margin         int64
	EntryRate      int64
	Leverage       int64
	EntryTime      int64 // epoch seconds
	LastUpdateTime int64
	Active         bool
}

// NewHedgePosition validates and constructs a position. The leverage ceiling
// comes from CoreParams and is checked by the caller; the constructor enforces
// the structural invariants: margin > 0, leverage >= 1, notional within bounds,
// positionSize == margin * leverage exactly.
func NewHedgePosition(
	id uint64,
	owner uuid.UUID,
	margin, leverage, entryRate, now int64,
) (*HedgePosition, error) {
	if !fxmath.ValidAmount(margin) {
		return nil, fmt.Errorf("%w: margin %d", ErrInvalidAmount, margin)
	}
	if leverage < 1 {
		return nil, fmt.Errorf("%w: leverage %d", ErrInvalidLeverage, leverage)
	}
	if !fxmath.ValidRate(entryRate) {
		return nil, fmt.Errorf("invalid entry rate %d", entryRate)
	}

	size, ok := fxmath.CheckedAdd(0, margin*leverage, fxmath.MaxAmount)
	if !ok || size/leverage != margin {
		return nil, fmt.Errorf("%w: margin %d * leverage %d", ErrAmountBound, margin, leverage)
	}

	return &HedgePosition{
		ID:             id,
		Owner:          owner,
		PositionSize:   size,
		Margin:         margin,
		EntryRate:      entryRate,
		Leverage:       leverage,
		EntryTime:      now,
		LastUpdateTime: now,
		Active:         true,
	}, nil
}

// SpareCapacity is the notional not currently matched against user flow.
func (p *HedgePosition) SpareCapacity() int64 {
	return p.PositionSize - p.FilledVolume
}

// UnrealizedPnL recomputes the signed PnL at the given live rate. Derived,
// never cached across operations.
func (p *HedgePosition) UnrealizedPnL(currentRate int64) int64 {
	return fxmath.HedgePnL(currentRate, p.EntryRate, p.PositionSize)
}

// MarginRatioBps returns the live collateralization of the position in basis
// points, unrealized PnL included.
func (p *HedgePosition) MarginRatioBps(currentRate int64) int64 {
	return fxmath.MarginRatioBps(p.Margin, p.UnrealizedPnL(currentRate), p.PositionSize)
}

// CanonicalBytes returns a deterministic serialization for state hashing.
func (p *HedgePosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = appendUint64LE(buf, p.ID)
	buf = append(buf, p.Owner[:]...)
	buf = appendInt64LE(buf, p.PositionSize)
	buf = appendInt64LE(buf, p.FilledVolume)
	buf = appendInt64LE(buf, p.Margin)
	buf = appendInt64LE(buf, p.EntryRate)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.EntryTime)
	if p.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return appendUint64LE(buf, uint64(v))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
