package state

import (
	"fmt"
	"sort"

	"HedgeLedger/internal/fxmath"
	"HedgeLedger/internal/ledger"

	"github.com/google/uuid"
)

// PositionBook owns the canonical position records and keeps the aggregate
// ledger in lockstep with every mutation. Closed positions stay addressable
// by id; only the active index shrinks.
//
// Not thread-safe: only accessed under the engine's operation guard.
type PositionBook struct {
	positions map[uint64]*HedgePosition
	activeIDs []uint64 // ascending; ids are assigned monotonically
	aggregates *ledger.AggregateLedger
}

func NewPositionBook(aggregates *ledger.AggregateLedger) *PositionBook {
	return &PositionBook{
		positions:  make(map[uint64]*HedgePosition),
		aggregates: aggregates,
	}
}

// Aggregates exposes the ledger for read-side queries and the consistency sweep.
func (b *PositionBook) Aggregates() *ledger.AggregateLedger {
	return b.aggregates
}

// Open creates a new active position and credits its margin and exposure.
func (b *PositionBook) Open(owner uuid.UUID, margin, leverage, entryRate, now int64) (*HedgePosition, error) {
	pos, err := NewHedgePosition(b.aggregates.PeekNextPositionID(), owner, margin, leverage, entryRate, now)
	if err != nil {
		return nil, err
	}

	if err := b.aggregates.CreditPosition(owner, pos.Margin, pos.PositionSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmountBound, err)
	}

	b.aggregates.NextPositionID()
	b.positions[pos.ID] = pos
	b.activeIDs = append(b.activeIDs, pos.ID)

	return pos, nil
}

// Get returns a position by id, active or not.
func (b *PositionBook) Get(id uint64) (*HedgePosition, error) {
	pos, ok := b.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrPositionNotFound, id)
	}
	return pos, nil
}

// GetActive returns a position that must still be active.
func (b *PositionBook) GetActive(id uint64) (*HedgePosition, error) {
	pos, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, fmt.Errorf("%w: id %d", ErrPositionInactive, id)
	}
	return pos, nil
}

// Deactivate permanently retires a position and debits its aggregates.
// Filled volume must have been unwound first.
func (b *PositionBook) Deactivate(id uint64) error {
	pos, err := b.GetActive(id)
	if err != nil {
		return err
	}
	if pos.FilledVolume != 0 {
		return fmt.Errorf("position %d still has filled volume %d", id, pos.FilledVolume)
	}

	if err := b.aggregates.DebitPosition(pos.Owner, pos.Margin, pos.PositionSize); err != nil {
		return err
	}

	pos.Active = false
	b.removeActive(id)
	return nil
}

// AdjustMargin applies a signed margin delta to an active position and its
// aggregates. The resulting margin must stay positive and within bounds.
func (b *PositionBook) AdjustMargin(id uint64, delta, now int64) error {
	pos, err := b.GetActive(id)
	if err != nil {
		return err
	}

	newMargin := pos.Margin + delta
	if newMargin <= 0 {
		return fmt.Errorf("%w: margin %d + delta %d", ErrInvalidAmount, pos.Margin, delta)
	}
	if newMargin > fxmath.MaxAmount {
		return fmt.Errorf("%w: margin %d", ErrAmountBound, newMargin)
	}

	if err := b.aggregates.AdjustMargin(pos.Owner, delta); err != nil {
		return fmt.Errorf("%w: %v", ErrAmountBound, err)
	}

	pos.Margin = newMargin
	pos.LastUpdateTime = now
	return nil
}

// ActiveIDs returns the active position ids in ascending order. The slice is
// a copy; the allocator iterates it while mutating fills.
func (b *PositionBook) ActiveIDs() []uint64 {
	out := make([]uint64, len(b.activeIDs))
	copy(out, b.activeIDs)
	return out
}

// OwnerActiveIDs returns the owner's active position ids in ascending order.
func (b *PositionBook) OwnerActiveIDs(owner uuid.UUID) []uint64 {
	var out []uint64
	for _, id := range b.activeIDs {
		if b.positions[id].Owner == owner {
			out = append(out, id)
		}
	}
	return out
}

// AllPositions returns every position, active or retired, sorted by id.
func (b *PositionBook) AllPositions() []*HedgePosition {
	out := make([]*HedgePosition, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckConsistency recomputes every aggregate from the per-position records
// and compares. Run after every mutating operation; a mismatch is internal
// corruption, not a caller error.
func (b *PositionBook) CheckConsistency() error {
	var sumMargin, sumExposure, sumFilled int64
	perOwner := make(map[uuid.UUID]ledger.HedgerBalance)

	for _, id := range b.activeIDs {
		pos := b.positions[id]
		if !pos.Active {
			return fmt.Errorf("inactive position %d in active index", id)
		}
		if pos.FilledVolume < 0 || pos.FilledVolume > pos.PositionSize {
			return fmt.Errorf("position %d filled volume %d outside [0, %d]",
				id, pos.FilledVolume, pos.PositionSize)
		}
		sumMargin += pos.Margin
		sumExposure += pos.PositionSize
		sumFilled += pos.FilledVolume

		h := perOwner[pos.Owner]
		h.TotalMargin += pos.Margin
		h.TotalExposure += pos.PositionSize
		h.ActivePositions++
		perOwner[pos.Owner] = h
	}

	if sumMargin != b.aggregates.TotalMargin() {
		return fmt.Errorf("position margin sum %d != total margin %d", sumMargin, b.aggregates.TotalMargin())
	}
	if sumExposure != b.aggregates.TotalExposure() {
		return fmt.Errorf("position exposure sum %d != total exposure %d", sumExposure, b.aggregates.TotalExposure())
	}
	if sumFilled != b.aggregates.TotalFilledExposure() {
		return fmt.Errorf("position filled sum %d != total filled %d", sumFilled, b.aggregates.TotalFilledExposure())
	}

	for owner, want := range perOwner {
		got := b.aggregates.Hedger(owner)
		if got != want {
			return fmt.Errorf("hedger %s aggregate mismatch: ledger=%+v positions=%+v", owner, got, want)
		}
	}
	if int64(len(perOwner)) != b.aggregates.ActiveHedgers() {
		return fmt.Errorf("active hedger count %d != owners with positions %d",
			b.aggregates.ActiveHedgers(), len(perOwner))
	}

	return b.aggregates.ValidateRelations()
}

// SetFilled installs an absolute filled volume on an active position,
// keeping the aggregate in step. Used when replaying fill records.
func (b *PositionBook) SetFilled(id uint64, newFilled int64) error {
	pos, err := b.GetActive(id)
	if err != nil {
		return err
	}
	if newFilled < 0 || newFilled > pos.PositionSize {
		return fmt.Errorf("%w: filled %d outside [0, %d]", ErrInvalidAmount, newFilled, pos.PositionSize)
	}
	if err := b.aggregates.AdjustFilled(newFilled - pos.FilledVolume); err != nil {
		return err
	}
	pos.FilledVolume = newFilled
	return nil
}

// SetPosition installs a record directly (snapshot restore).
func (b *PositionBook) SetPosition(pos *HedgePosition) {
	b.positions[pos.ID] = pos
	if pos.Active {
		b.activeIDs = append(b.activeIDs, pos.ID)
		sort.Slice(b.activeIDs, func(i, j int) bool { return b.activeIDs[i] < b.activeIDs[j] })
	}
}

func (b *PositionBook) removeActive(id uint64) {
	for i, aid := range b.activeIDs {
		if aid == id {
			b.activeIDs = append(b.activeIDs[:i], b.activeIDs[i+1:]...)
			return
		}
	}
}
