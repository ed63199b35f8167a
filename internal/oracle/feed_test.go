package oracle_test

import (
	"testing"

	"HedgeLedger/internal/oracle"
)

const oneEUR = int64(1_000_000_000_000_000_000)

type fakeClock struct {
	now int64
}

func (c *fakeClock) Now() int64        { return c.now }
func (c *fakeClock) Advance(sec int64) { c.now += sec }

func newFeed() (*oracle.Feed, *fakeClock) {
	clock := &fakeClock{now: 1_000_000}
	return oracle.NewFeed(clock.Now), clock
}

// ============================================================================
// Test: Apply
// ============================================================================

func TestApply_AdvancesFeed(t *testing.T) {
	f, clock := newFeed()

	advanced, err := f.Apply(oneEUR, 0, clock.Now())
	if err != nil || !advanced {
		t.Fatalf("apply: advanced=%v err=%v", advanced, err)
	}

	rate, ok := f.Rate()
	if !ok || rate != oneEUR {
		t.Errorf("rate = (%d, %v), want (%d, true)", rate, ok, oneEUR)
	}
	if f.ExpectedSequence() != 1 {
		t.Errorf("expected sequence = %d, want 1", f.ExpectedSequence())
	}
}

func TestApply_StaleSequenceDroppedSilently(t *testing.T) {
	f, clock := newFeed()

	if _, err := f.Apply(oneEUR, 5, clock.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	older := int64(1_100_000_000_000_000_000)
	advanced, err := f.Apply(older, 3, clock.Now())
	if err != nil {
		t.Fatalf("stale sequence must not error: %v", err)
	}
	if advanced {
		t.Error("stale sequence must not advance the feed")
	}
	if rate, _ := f.Rate(); rate != oneEUR {
		t.Errorf("rate = %d, stale update leaked through", rate)
	}
	if f.StaleDropped() != 1 {
		t.Errorf("stale dropped = %d, want 1", f.StaleDropped())
	}
}

func TestApply_GapTolerated(t *testing.T) {
	f, clock := newFeed()

	if _, err := f.Apply(oneEUR, 0, clock.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// jump from expected 1 to 10: accepted, counted as a gap
	advanced, err := f.Apply(oneEUR+1, 10, clock.Now())
	if err != nil || !advanced {
		t.Fatalf("gapped apply: advanced=%v err=%v", advanced, err)
	}
	if f.Gaps() != 1 {
		t.Errorf("gaps = %d, want 1", f.Gaps())
	}
	if f.ExpectedSequence() != 11 {
		t.Errorf("expected sequence = %d, want 11", f.ExpectedSequence())
	}
}

func TestApply_ImplausibleRateRejected(t *testing.T) {
	f, clock := newFeed()

	if _, err := f.Apply(oracle.MinPlausibleRate-1, 0, clock.Now()); err == nil {
		t.Error("rate below plausibility floor must fail")
	}
	if _, err := f.Apply(oracle.MaxPlausibleRate+1, 0, clock.Now()); err == nil {
		t.Error("rate above plausibility ceiling must fail")
	}
	if _, err := f.Apply(-5, 0, clock.Now()); err == nil {
		t.Error("negative rate must fail")
	}
	// a rejected update must not burn the sequence
	if f.ExpectedSequence() != 0 {
		t.Errorf("expected sequence = %d, want 0", f.ExpectedSequence())
	}
}

// ============================================================================
// Test: freshness
// ============================================================================

func TestRate_Staleness(t *testing.T) {
	f, clock := newFeed()

	if _, ok := f.Rate(); ok {
		t.Fatal("empty feed must not report a usable rate")
	}

	if _, err := f.Apply(oneEUR, 0, clock.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	clock.Advance(oracle.MaxRateAge)
	if _, ok := f.Rate(); !ok {
		t.Error("rate exactly at MaxRateAge is still usable")
	}

	clock.Advance(1)
	rate, ok := f.Rate()
	if ok {
		t.Error("rate past MaxRateAge must not be usable")
	}
	// the value itself stays visible for emergency paths
	if rate != oneEUR {
		t.Errorf("stale rate value = %d, want %d", rate, oneEUR)
	}
}
