package state

import (
	"fmt"

	"HedgeLedger/internal/fxmath"
)

// FillDelta records one position's fill change for the audit log.
type FillDelta struct {
	PositionID uint64
	Old        int64
	New        int64
}

// FillAllocator distributes external mint/redeem flow across active positions.
// Increases are proportional to spare capacity, decreases to current filled
// volume. One position may be skipped (the one currently closing or being
// liquidated) to avoid circular self-adjustment.
//
// Remainder rule: eligible positions are visited in ascending position id and
// the LAST eligible position absorbs the integer-division remainder. When the
// remainder does not fit within the last position's weight, the overflow
// cascades backwards onto earlier positions with headroom, so the applied sum
// always equals the requested amount exactly.
type FillAllocator struct {
	book *PositionBook
}

func NewFillAllocator(book *PositionBook) *FillAllocator {
	return &FillAllocator{book: book}
}

// Increase matches `amount` of incoming flow against spare capacity,
// excluding skipID (0 = none). Fails with ErrInsufficientCapacity when the
// eligible spare capacity cannot absorb the full amount.
func (a *FillAllocator) Increase(amount int64, skipID uint64) ([]FillDelta, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: increase %d", ErrInvalidAmount, amount)
	}

	deltas, allocated, err := a.planIncrease(amount, skipID)
	if err != nil {
		return nil, err
	}
	if allocated < amount {
		return nil, fmt.Errorf("%w: need %d, spare %d", ErrInsufficientCapacity, amount, allocated)
	}

	return a.apply(deltas, amount)
}

// Decrease releases `amount` of matched flow proportionally to current filled
// volume, excluding skipID.
func (a *FillAllocator) Decrease(amount int64, skipID uint64) ([]FillDelta, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: decrease %d", ErrInvalidAmount, amount)
	}

	eligible := a.eligible(skipID, func(p *HedgePosition) int64 { return p.FilledVolume })
	var totalFilled int64
	for _, e := range eligible {
		totalFilled += e.weight
	}
	if totalFilled < amount {
		return nil, fmt.Errorf("%w: need %d, filled %d", ErrInsufficientFilled, amount, totalFilled)
	}

	shares := distribute(amount, eligible)
	deltas := make([]FillDelta, 0, len(eligible))
	for i, e := range eligible {
		deltas = append(deltas, FillDelta{
			PositionID: e.pos.ID,
			Old:        e.pos.FilledVolume,
			New:        e.pos.FilledVolume - shares[i],
		})
	}

	return a.apply(deltas, -amount)
}

// Unwind frees a position's entire filled volume and re-allocates it across
// the remaining active set. If the remaining spare capacity cannot absorb the
// freed amount, the shortfall is simply left unmatched — total filled
// exposure shrinks by exactly the unplaceable part.
func (a *FillAllocator) Unwind(positionID uint64) ([]FillDelta, error) {
	pos, err := a.book.GetActive(positionID)
	if err != nil {
		return nil, err
	}

	freed := pos.FilledVolume
	if freed == 0 {
		return nil, nil
	}

	deltas := []FillDelta{{PositionID: pos.ID, Old: freed, New: 0}}
	pos.FilledVolume = 0
	if err := a.book.aggregates.AdjustFilled(-freed); err != nil {
		// Undo: the aggregate rejected a release that the per-position state
		// allowed, which is corruption either way.
		pos.FilledVolume = freed
		return nil, err
	}

	// Re-place what the rest of the book can carry.
	replace, capacity, err := a.planIncrease(freed, positionID)
	if err != nil || capacity == 0 {
		return deltas, nil // no eligible capacity: shortfall stays unmatched
	}
	toPlace := freed
	if capacity < toPlace {
		toPlace = capacity
	}

	applied, err := a.apply(replace, toPlace)
	if err != nil {
		return nil, err
	}
	return append(deltas, applied...), nil
}

type eligiblePosition struct {
	pos    *HedgePosition
	weight int64
}

func (a *FillAllocator) eligible(skipID uint64, weight func(*HedgePosition) int64) []eligiblePosition {
	var out []eligiblePosition
	for _, id := range a.book.activeIDs {
		if id == skipID {
			continue
		}
		pos := a.book.positions[id]
		w := weight(pos)
		if w > 0 {
			out = append(out, eligiblePosition{pos: pos, weight: w})
		}
	}
	return out
}

// planIncrease computes proportional shares of `amount` over spare capacity
// without mutating anything. Returns the planned deltas and the total
// eligible spare capacity.
func (a *FillAllocator) planIncrease(amount int64, skipID uint64) ([]FillDelta, int64, error) {
	eligible := a.eligible(skipID, func(p *HedgePosition) int64 { return p.SpareCapacity() })
	if len(eligible) == 0 {
		return nil, 0, fmt.Errorf("%w: no eligible positions", ErrInsufficientCapacity)
	}

	var totalSpare int64
	for _, e := range eligible {
		totalSpare += e.weight
	}

	target := amount
	if totalSpare < target {
		target = totalSpare
	}

	shares := distribute(target, eligible)
	deltas := make([]FillDelta, 0, len(eligible))
	for i, e := range eligible {
		deltas = append(deltas, FillDelta{
			PositionID: e.pos.ID,
			Old:        e.pos.FilledVolume,
			New:        e.pos.FilledVolume + shares[i],
		})
	}

	return deltas, totalSpare, nil
}

// distribute splits amount over the eligible weights: floor-proportional
// shares first, then the remainder onto the last position and, if the last
// position's weight cannot hold it all, backwards onto earlier positions
// with headroom. Requires amount <= sum of weights, which guarantees the
// shares sum to exactly amount.
func distribute(amount int64, eligible []eligiblePosition) []int64 {
	var totalWeight int64
	for _, e := range eligible {
		totalWeight += e.weight
	}

	shares := make([]int64, len(eligible))
	var placed int64
	for i, e := range eligible {
		shares[i] = fxmath.ProRata(amount, e.weight, totalWeight)
		placed += shares[i]
	}
	for i := len(eligible) - 1; i >= 0 && placed < amount; i-- {
		add := amount - placed
		if room := eligible[i].weight - shares[i]; add > room {
			add = room
		}
		shares[i] += add
		placed += add
	}
	return shares
}

// apply commits planned deltas and the aggregate adjustment together.
func (a *FillAllocator) apply(deltas []FillDelta, aggregateDelta int64) ([]FillDelta, error) {
	if err := a.book.aggregates.AdjustFilled(aggregateDelta); err != nil {
		return nil, err
	}

	out := make([]FillDelta, 0, len(deltas))
	for _, d := range deltas {
		if d.Old == d.New {
			continue
		}
		a.book.positions[d.PositionID].FilledVolume = d.New
		out = append(out, d)
	}
	return out, nil
}
