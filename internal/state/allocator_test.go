package state_test

import (
	"errors"
	"testing"

	"HedgeLedger/internal/ledger"
	"HedgeLedger/internal/state"

	"github.com/google/uuid"
)

// twoPositionBook opens positions of size 3 and 7 (ids 1 and 2).
func twoPositionBook(t *testing.T) (*state.PositionBook, *state.FillAllocator) {
	t.Helper()
	b := state.NewPositionBook(ledger.NewAggregateLedger())
	if _, err := b.Open(uuid.New(), 3, 1, entryRate, 10); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Open(uuid.New(), 7, 1, entryRate, 10); err != nil {
		t.Fatalf("open: %v", err)
	}
	return b, state.NewFillAllocator(b)
}

func filled(t *testing.T, b *state.PositionBook, id uint64) int64 {
	t.Helper()
	pos, err := b.Get(id)
	if err != nil {
		t.Fatalf("get %d: %v", id, err)
	}
	return pos.FilledVolume
}

// ============================================================================
// Test: Increase
// ============================================================================

func TestIncrease_Proportional(t *testing.T) {
	b, a := twoPositionBook(t)

	// spare 3 and 7, amount 10: exact proportional split
	deltas, err := a.Increase(10, 0)
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("deltas = %v", deltas)
	}
	if filled(t, b, 1) != 3 || filled(t, b, 2) != 7 {
		t.Errorf("fills = (%d, %d), want (3, 7)", filled(t, b, 1), filled(t, b, 2))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 10 {
		t.Errorf("total filled = %d, want 10", got)
	}
	if err := b.CheckConsistency(); err != nil {
		t.Errorf("consistency: %v", err)
	}
}

func TestIncrease_RemainderToLast(t *testing.T) {
	b, a := twoPositionBook(t)

	// 7 over spare 3 and 7: position 1 gets floor(7*3/10)=2, the last
	// eligible position absorbs the remainder 5. The applied sum is exact.
	if _, err := a.Increase(7, 0); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if filled(t, b, 1) != 2 || filled(t, b, 2) != 5 {
		t.Errorf("fills = (%d, %d), want (2, 5)", filled(t, b, 1), filled(t, b, 2))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 7 {
		t.Errorf("total filled = %d, want 7", got)
	}
}

func TestIncrease_RemainderOverflowCascadesBackwards(t *testing.T) {
	b := state.NewPositionBook(ledger.NewAggregateLedger())
	a := state.NewFillAllocator(b)
	for _, m := range []int64{5, 5, 2} {
		if _, err := b.Open(uuid.New(), m, 1, entryRate, 10); err != nil {
			t.Fatalf("open: %v", err)
		}
	}

	// 9 over spares 5/5/2: floor shares 3/3/1, remainder 2. The last position
	// can hold only 1 more, the overflow lands on the middle one. Capping the
	// last share without redistribution would place 8 against an aggregate
	// adjustment of 9.
	if _, err := a.Increase(9, 0); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if filled(t, b, 1) != 3 || filled(t, b, 2) != 4 || filled(t, b, 3) != 2 {
		t.Errorf("fills = (%d, %d, %d), want (3, 4, 2)",
			filled(t, b, 1), filled(t, b, 2), filled(t, b, 3))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 9 {
		t.Errorf("total filled = %d, want 9", got)
	}
	if err := b.CheckConsistency(); err != nil {
		t.Errorf("consistency: %v", err)
	}
}

func TestIncrease_InsufficientCapacity(t *testing.T) {
	b, a := twoPositionBook(t)

	if _, err := a.Increase(11, 0); !errors.Is(err, state.ErrInsufficientCapacity) {
		t.Fatalf("got %v, want ErrInsufficientCapacity", err)
	}
	// failed allocation changes nothing
	if filled(t, b, 1) != 0 || filled(t, b, 2) != 0 {
		t.Errorf("fills changed on failure: (%d, %d)", filled(t, b, 1), filled(t, b, 2))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 0 {
		t.Errorf("total filled = %d, want 0", got)
	}
}

func TestIncrease_SkipExcludesPosition(t *testing.T) {
	b, a := twoPositionBook(t)

	if _, err := a.Increase(7, 1); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if filled(t, b, 1) != 0 || filled(t, b, 2) != 7 {
		t.Errorf("fills = (%d, %d), want (0, 7)", filled(t, b, 1), filled(t, b, 2))
	}
}

func TestIncrease_InvalidAmount(t *testing.T) {
	_, a := twoPositionBook(t)
	if _, err := a.Increase(0, 0); !errors.Is(err, state.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	if _, err := a.Increase(-5, 0); !errors.Is(err, state.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

// ============================================================================
// Test: Decrease
// ============================================================================

func TestDecrease_ProportionalToFilled(t *testing.T) {
	b, a := twoPositionBook(t)
	if _, err := a.Increase(7, 0); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// filled 2 and 5, decrease 3: floor(3*2/7)=0 from the first, the last
	// absorbs the remaining 3.
	if _, err := a.Decrease(3, 0); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if filled(t, b, 1) != 2 || filled(t, b, 2) != 2 {
		t.Errorf("fills = (%d, %d), want (2, 2)", filled(t, b, 1), filled(t, b, 2))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 4 {
		t.Errorf("total filled = %d, want 4", got)
	}
	if err := b.CheckConsistency(); err != nil {
		t.Errorf("consistency: %v", err)
	}
}

func TestDecrease_RemainderOverflowCascadesBackwards(t *testing.T) {
	b := state.NewPositionBook(ledger.NewAggregateLedger())
	a := state.NewFillAllocator(b)
	for _, m := range []int64{5, 5, 2} {
		if _, err := b.Open(uuid.New(), m, 1, entryRate, 10); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if _, err := a.Increase(12, 0); err != nil {
		t.Fatalf("increase: %v", err)
	}

	// fills 5/5/2, decrease 9: floor releases 3/3/1, remainder 2. The last
	// position holds only 1 more, the rest comes off the middle one.
	if _, err := a.Decrease(9, 0); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if filled(t, b, 1) != 2 || filled(t, b, 2) != 1 || filled(t, b, 3) != 0 {
		t.Errorf("fills = (%d, %d, %d), want (2, 1, 0)",
			filled(t, b, 1), filled(t, b, 2), filled(t, b, 3))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 3 {
		t.Errorf("total filled = %d, want 3", got)
	}
	if err := b.CheckConsistency(); err != nil {
		t.Errorf("consistency: %v", err)
	}
}

func TestDecrease_InsufficientFilled(t *testing.T) {
	b, a := twoPositionBook(t)
	if _, err := a.Increase(5, 0); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if _, err := a.Decrease(6, 0); !errors.Is(err, state.ErrInsufficientFilled) {
		t.Fatalf("got %v, want ErrInsufficientFilled", err)
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 5 {
		t.Errorf("total filled changed on failure: %d", got)
	}
}

// ============================================================================
// Test: Unwind
// ============================================================================

func TestUnwind_ReplacesOntoRemainingBook(t *testing.T) {
	b, a := twoPositionBook(t)

	if err := b.SetFilled(1, 3); err != nil {
		t.Fatalf("set filled: %v", err)
	}
	if err := b.SetFilled(2, 1); err != nil {
		t.Fatalf("set filled: %v", err)
	}

	// Position 2 has spare 6, enough to absorb position 1's full fill.
	deltas, err := a.Unwind(1)
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if filled(t, b, 1) != 0 || filled(t, b, 2) != 4 {
		t.Errorf("fills = (%d, %d), want (0, 4)", filled(t, b, 1), filled(t, b, 2))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 4 {
		t.Errorf("total filled = %d, want 4", got)
	}
	if len(deltas) != 2 {
		t.Errorf("deltas = %v, want unwind + re-placement", deltas)
	}
	if err := b.CheckConsistency(); err != nil {
		t.Errorf("consistency: %v", err)
	}
}

func TestUnwind_ShortfallStaysUnmatched(t *testing.T) {
	b, a := twoPositionBook(t)

	if err := b.SetFilled(1, 2); err != nil {
		t.Fatalf("set filled: %v", err)
	}
	if err := b.SetFilled(2, 6); err != nil {
		t.Fatalf("set filled: %v", err)
	}

	// Position 2 can absorb only 1 of the 2 freed; total filled shrinks by
	// exactly the unplaceable part.
	if _, err := a.Unwind(1); err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if filled(t, b, 1) != 0 || filled(t, b, 2) != 7 {
		t.Errorf("fills = (%d, %d), want (0, 7)", filled(t, b, 1), filled(t, b, 2))
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 7 {
		t.Errorf("total filled = %d, want 7", got)
	}
}

func TestUnwind_RemainderOverflowCascadesBackwards(t *testing.T) {
	b := state.NewPositionBook(ledger.NewAggregateLedger())
	a := state.NewFillAllocator(b)
	for _, m := range []int64{6, 4, 3} {
		if _, err := b.Open(uuid.New(), m, 1, entryRate, 10); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if err := b.SetFilled(1, 6); err != nil {
		t.Fatalf("set filled: %v", err)
	}

	// Re-placing 6 over spares 4/3: floor shares 3/2, the remainder tops the
	// last position up to its full spare of 3.
	deltas, err := a.Unwind(1)
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if filled(t, b, 1) != 0 || filled(t, b, 2) != 3 || filled(t, b, 3) != 3 {
		t.Errorf("fills = (%d, %d, %d), want (0, 3, 3)",
			filled(t, b, 1), filled(t, b, 2), filled(t, b, 3))
	}
	if len(deltas) != 3 {
		t.Errorf("deltas = %v, want unwind + two re-placements", deltas)
	}
	if err := b.CheckConsistency(); err != nil {
		t.Errorf("consistency: %v", err)
	}
}

func TestUnwind_NoFilledVolume(t *testing.T) {
	_, a := twoPositionBook(t)
	deltas, err := a.Unwind(1)
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if deltas != nil {
		t.Errorf("unfilled position should produce no deltas, got %v", deltas)
	}
}

func TestUnwind_LastPosition(t *testing.T) {
	b := state.NewPositionBook(ledger.NewAggregateLedger())
	a := state.NewFillAllocator(b)
	pos, err := b.Open(uuid.New(), 10, 1, entryRate, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.SetFilled(pos.ID, 10); err != nil {
		t.Fatalf("set filled: %v", err)
	}

	// no other position can absorb anything
	deltas, err := a.Unwind(pos.ID)
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if len(deltas) != 1 || deltas[0].New != 0 {
		t.Errorf("deltas = %v", deltas)
	}
	if got := b.Aggregates().TotalFilledExposure(); got != 0 {
		t.Errorf("total filled = %d, want 0", got)
	}
}

// ============================================================================
// Test: conservation
// ============================================================================

func TestAllocator_ConservationAcrossOperations(t *testing.T) {
	b := state.NewPositionBook(ledger.NewAggregateLedger())
	a := state.NewFillAllocator(b)
	for _, m := range []int64{13, 29, 57, 101} {
		if _, err := b.Open(uuid.New(), m, 1, entryRate, 10); err != nil {
			t.Fatalf("open: %v", err)
		}
	}

	var matched int64
	for _, amt := range []int64{17, 31, 7} {
		if _, err := a.Increase(amt, 0); err != nil {
			t.Fatalf("increase %d: %v", amt, err)
		}
		matched += amt
		if err := b.CheckConsistency(); err != nil {
			t.Fatalf("consistency after increase %d: %v", amt, err)
		}
	}
	for _, amt := range []int64{11, 23} {
		if _, err := a.Decrease(amt, 0); err != nil {
			t.Fatalf("decrease %d: %v", amt, err)
		}
		matched -= amt
		if err := b.CheckConsistency(); err != nil {
			t.Fatalf("consistency after decrease %d: %v", amt, err)
		}
	}

	if got := b.Aggregates().TotalFilledExposure(); got != matched {
		t.Errorf("total filled = %d, want %d", got, matched)
	}
}
