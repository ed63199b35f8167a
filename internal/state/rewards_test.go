package state_test

import (
	"testing"

	"HedgeLedger/internal/fxmath"
	"HedgeLedger/internal/state"

	"github.com/google/uuid"
)

// rewardExposure makes the interest arithmetic exact: at a 100 bps
// differential the accrual is 10 units per elapsed second.
var rewardExposure = 1000 * fxmath.SecondsPerYear

// ============================================================================
// Test: accrual
// ============================================================================

func TestAccrued_NeverTouched(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	interest, yieldShare, total := b.Accrued(owner, rewardExposure, rewardExposure, 300, 200, 0)
	if interest != 0 || yieldShare != 0 || total != 0 {
		t.Errorf("first contact accrues nothing, got (%d, %d, %d)", interest, yieldShare, total)
	}
	// reading accrual never creates an anchor
	if b.LastClaim(owner) != 0 {
		t.Errorf("anchor = %d, want 0", b.LastClaim(owner))
	}
}

func TestAccrued_InterestAccrual(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	b.Touch(owner)
	clock.Advance(864_000) // 10 days

	interest, yieldShare, total := b.Accrued(owner, rewardExposure, rewardExposure, 300, 200, 0)
	if interest != 8_640_000 {
		t.Errorf("interest = %d, want 8640000", interest)
	}
	if yieldShare != 0 || total != interest {
		t.Errorf("(%d, %d, %d)", interest, yieldShare, total)
	}

	// reading is side-effect free: the same accrual is reported again until
	// the anchor is explicitly committed
	if _, _, again := b.Accrued(owner, rewardExposure, rewardExposure, 300, 200, 0); again != total {
		t.Errorf("repeated read = %d, want %d", again, total)
	}
	b.SetAnchor(owner, clock.Now())
	if _, _, after := b.Accrued(owner, rewardExposure, rewardExposure, 300, 200, 0); after != 0 {
		t.Errorf("accrual after anchor commit = %d, want 0", after)
	}
}

func TestAccrued_ElapsedCapped(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	b.Touch(owner)
	clock.Advance(90 * 24 * 3600) // 90 days, cap is 30

	interest, _, _ := b.Accrued(owner, rewardExposure, rewardExposure, 300, 200, 0)
	if interest != 25_920_000 { // 30 days at 10/s
		t.Errorf("interest = %d, want 25920000", interest)
	}
}

func TestAccrued_YieldShare(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	b.Touch(owner)
	clock.Advance(864_000)

	// owner holds half the total exposure and a 1000-unit pool is available
	interest, yieldShare, total := b.Accrued(owner, rewardExposure, 2*rewardExposure, 300, 200, 1_000)
	if yieldShare != 500 {
		t.Errorf("yield share = %d, want 500", yieldShare)
	}
	if total != interest+yieldShare {
		t.Errorf("total = %d, want %d", total, interest+yieldShare)
	}
}

func TestAccrued_NoExposure(t *testing.T) {
	clock := &fakeClock{now: 1_000_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	b.Touch(owner)
	clock.Advance(864_000)

	if _, _, total := b.Accrued(owner, 0, rewardExposure, 300, 200, 1_000); total != 0 {
		t.Errorf("no exposure pays nothing, got %d", total)
	}
}

// ============================================================================
// Test: anchors
// ============================================================================

func TestTouch_Idempotent(t *testing.T) {
	clock := &fakeClock{now: 1_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	b.Touch(owner)
	clock.Advance(500)
	b.Touch(owner) // second touch must not move the anchor

	if got := b.LastClaim(owner); got != 1_000 {
		t.Errorf("anchor = %d, want 1000", got)
	}
}

func TestSetAnchor_Overwrites(t *testing.T) {
	clock := &fakeClock{now: 1_000}
	b := state.NewRewardBook(clock.Now)
	owner := uuid.New()

	b.Touch(owner)
	b.SetAnchor(owner, 5_000)
	if got := b.LastClaim(owner); got != 5_000 {
		t.Errorf("anchor = %d, want 5000", got)
	}
}

func TestExport(t *testing.T) {
	clock := &fakeClock{now: 1_000}
	b := state.NewRewardBook(clock.Now)
	a, c := uuid.New(), uuid.New()

	b.TouchAt(a, 100)
	b.TouchAt(c, 200)

	anchors := b.Export()
	if len(anchors) != 2 || anchors[a] != 100 || anchors[c] != 200 {
		t.Errorf("export = %v", anchors)
	}
}
