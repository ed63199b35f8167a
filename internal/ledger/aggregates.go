package ledger

import (
	"fmt"

	"HedgeLedger/internal/fxmath"

	"github.com/google/uuid"
)

// HedgerBalance is the per-owner aggregate over that owner's active positions.
type HedgerBalance struct {
	TotalMargin     int64
	TotalExposure   int64
	ActivePositions int64
}

// AggregateLedger owns every protocol-wide and per-hedger aggregate. All
// mutation goes through credit/debit methods that check bounds on every call;
// no caller touches raw counters. Operations that would cross a bound fail —
// nothing saturates or wraps.
//
// Not thread-safe: only accessed under the engine's operation guard.
type AggregateLedger struct {
	totalMargin         int64
	totalExposure       int64
	totalFilledExposure int64
	activeHedgers       int64
	nextPositionID      uint64

	hedgers map[uuid.UUID]*HedgerBalance
}

func NewAggregateLedger() *AggregateLedger {
	return &AggregateLedger{
		nextPositionID: 1,
		hedgers:        make(map[uuid.UUID]*HedgerBalance),
	}
}

// NextPositionID assigns and consumes the next identifier. Identifiers are
// monotonically increasing and never reused.
func (l *AggregateLedger) NextPositionID() uint64 {
	id := l.nextPositionID
	l.nextPositionID++
	return id
}

// PeekNextPositionID returns the next identifier without consuming it.
func (l *AggregateLedger) PeekNextPositionID() uint64 {
	return l.nextPositionID
}

func (l *AggregateLedger) TotalMargin() int64         { return l.totalMargin }
func (l *AggregateLedger) TotalExposure() int64       { return l.totalExposure }
func (l *AggregateLedger) TotalFilledExposure() int64 { return l.totalFilledExposure }
func (l *AggregateLedger) ActiveHedgers() int64       { return l.activeHedgers }

// Hedger returns the aggregate for an owner, zero-valued if none.
func (l *AggregateLedger) Hedger(owner uuid.UUID) HedgerBalance {
	if h, ok := l.hedgers[owner]; ok {
		return *h
	}
	return HedgerBalance{}
}

func (l *AggregateLedger) hedger(owner uuid.UUID) *HedgerBalance {
	h, ok := l.hedgers[owner]
	if !ok {
		h = &HedgerBalance{}
		l.hedgers[owner] = h
	}
	return h
}

// CreditPosition records a newly opened position's margin and exposure.
// The first active position of an owner increments the active-hedger count.
func (l *AggregateLedger) CreditPosition(owner uuid.UUID, margin, exposure int64) error {
	newTotalMargin, ok := fxmath.CheckedAdd(l.totalMargin, margin, fxmath.MaxAggregate)
	if !ok {
		return fmt.Errorf("total margin bound exceeded: %d + %d", l.totalMargin, margin)
	}
	newTotalExposure, ok := fxmath.CheckedAdd(l.totalExposure, exposure, fxmath.MaxAggregate)
	if !ok {
		return fmt.Errorf("total exposure bound exceeded: %d + %d", l.totalExposure, exposure)
	}

	h := l.hedger(owner)
	newHedgerMargin, ok := fxmath.CheckedAdd(h.TotalMargin, margin, fxmath.MaxAggregate)
	if !ok {
		return fmt.Errorf("hedger %s margin bound exceeded", owner)
	}
	newHedgerExposure, ok := fxmath.CheckedAdd(h.TotalExposure, exposure, fxmath.MaxAggregate)
	if !ok {
		return fmt.Errorf("hedger %s exposure bound exceeded", owner)
	}

	l.totalMargin = newTotalMargin
	l.totalExposure = newTotalExposure
	h.TotalMargin = newHedgerMargin
	h.TotalExposure = newHedgerExposure
	if h.ActivePositions == 0 {
		l.activeHedgers++
	}
	h.ActivePositions++

	return nil
}

// DebitPosition removes a deactivated position's margin and exposure.
func (l *AggregateLedger) DebitPosition(owner uuid.UUID, margin, exposure int64) error {
	h, ok := l.hedgers[owner]
	if !ok || h.ActivePositions == 0 {
		return fmt.Errorf("hedger %s has no active positions", owner)
	}
	if l.totalMargin < margin || h.TotalMargin < margin {
		return fmt.Errorf("margin debit underflow: global=%d hedger=%d debit=%d",
			l.totalMargin, h.TotalMargin, margin)
	}
	if l.totalExposure < exposure || h.TotalExposure < exposure {
		return fmt.Errorf("exposure debit underflow: global=%d hedger=%d debit=%d",
			l.totalExposure, h.TotalExposure, exposure)
	}
	if l.totalExposure-exposure < l.totalFilledExposure {
		return fmt.Errorf("exposure debit would leave filled %d > total %d",
			l.totalFilledExposure, l.totalExposure-exposure)
	}

	l.totalMargin -= margin
	l.totalExposure -= exposure
	h.TotalMargin -= margin
	h.TotalExposure -= exposure
	h.ActivePositions--
	if h.ActivePositions == 0 {
		l.activeHedgers--
	}

	return nil
}

// AdjustMargin applies a signed margin delta to an owner's position totals.
func (l *AggregateLedger) AdjustMargin(owner uuid.UUID, delta int64) error {
	h, ok := l.hedgers[owner]
	if !ok {
		return fmt.Errorf("hedger %s unknown", owner)
	}

	newGlobal, okG := fxmath.CheckedAdd(l.totalMargin, delta, fxmath.MaxAggregate)
	newHedger, okH := fxmath.CheckedAdd(h.TotalMargin, delta, fxmath.MaxAggregate)
	if !okG || !okH {
		return fmt.Errorf("margin adjustment out of bounds: delta=%d", delta)
	}

	l.totalMargin = newGlobal
	h.TotalMargin = newHedger
	return nil
}

// AdjustFilled applies a signed delta to the total filled exposure, holding
// 0 <= totalFilledExposure <= totalExposure.
func (l *AggregateLedger) AdjustFilled(delta int64) error {
	newFilled, ok := fxmath.CheckedAdd(l.totalFilledExposure, delta, fxmath.MaxAggregate)
	if !ok || newFilled > l.totalExposure {
		return fmt.Errorf("filled exposure adjustment out of bounds: filled=%d delta=%d total=%d",
			l.totalFilledExposure, delta, l.totalExposure)
	}
	l.totalFilledExposure = newFilled
	return nil
}

// ValidateRelations checks the internal aggregate invariants. The position
// book's consistency sweep checks these against per-position sums.
func (l *AggregateLedger) ValidateRelations() error {
	if l.totalMargin < 0 || l.totalExposure < 0 || l.totalFilledExposure < 0 {
		return fmt.Errorf("negative aggregate: margin=%d exposure=%d filled=%d",
			l.totalMargin, l.totalExposure, l.totalFilledExposure)
	}
	if l.totalFilledExposure > l.totalExposure {
		return fmt.Errorf("filled exposure %d exceeds total exposure %d",
			l.totalFilledExposure, l.totalExposure)
	}
	if l.activeHedgers < 0 {
		return fmt.Errorf("negative active hedger count: %d", l.activeHedgers)
	}

	var sumMargin, sumExposure int64
	for owner, h := range l.hedgers {
		if h.TotalMargin < 0 || h.TotalExposure < 0 || h.ActivePositions < 0 {
			return fmt.Errorf("negative hedger aggregate for %s", owner)
		}
		sumMargin += h.TotalMargin
		sumExposure += h.TotalExposure
	}
	if sumMargin != l.totalMargin {
		return fmt.Errorf("hedger margin sum %d != total margin %d", sumMargin, l.totalMargin)
	}
	if sumExposure != l.totalExposure {
		return fmt.Errorf("hedger exposure sum %d != total exposure %d", sumExposure, l.totalExposure)
	}

	return nil
}

// Snapshot returns a copy of all per-hedger aggregates.
func (l *AggregateLedger) Snapshot() map[uuid.UUID]HedgerBalance {
	out := make(map[uuid.UUID]HedgerBalance, len(l.hedgers))
	for k, v := range l.hedgers {
		out[k] = *v
	}
	return out
}

// Restore rebuilds ledger state from a snapshot (warm restart path).
func (l *AggregateLedger) Restore(
	totalMargin, totalExposure, totalFilled, activeHedgers int64,
	nextPositionID uint64,
	hedgers map[uuid.UUID]HedgerBalance,
) {
	l.totalMargin = totalMargin
	l.totalExposure = totalExposure
	l.totalFilledExposure = totalFilled
	l.activeHedgers = activeHedgers
	l.nextPositionID = nextPositionID
	l.hedgers = make(map[uuid.UUID]*HedgerBalance, len(hedgers))
	for k, v := range hedgers {
		h := v
		l.hedgers[k] = &h
	}
}
