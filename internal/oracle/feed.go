package oracle

import (
	"fmt"

	"HedgeLedger/internal/fxmath"
)

// MaxRateAge is how long a published rate stays usable, in seconds.
// Past this, operations that depend on the rate must refuse.
const MaxRateAge = 60

// Plausibility bounds for EUR/USD, 18-decimal. Anything outside is a feed
// fault, not a market move.
const (
	MinPlausibleRate = int64(100_000_000_000_000_000)   // 0.10
	MaxPlausibleRate = int64(5_000_000_000_000_000_000) // 5.00
)

// RateSource is what the engine consumes: the current rate and whether it is
// fresh enough to act on.
type RateSource interface {
	Rate() (rate int64, ok bool)
}

// Feed holds the latest validated EUR/USD rate. Producer sequences follow
// price-feed rules: stale updates are silently ignored, gaps are tolerated.
// Not thread-safe — driven from the single-threaded core loop.
type Feed struct {
	rate        int64
	rateTime    int64
	expectedSeq int64
	now         func() int64

	staleDropped int64
	gaps         int64
}

func NewFeed(now func() int64) *Feed {
	return &Feed{now: now}
}

// Apply ingests a rate update from the feed producer. Returns true when the
// update advanced the feed state.
func (f *Feed) Apply(rate, sequence, timestamp int64) (bool, error) {
	if sequence < f.expectedSeq {
		f.staleDropped++
		return false, nil
	}
	if !fxmath.ValidRate(rate) || rate < MinPlausibleRate || rate > MaxPlausibleRate {
		return false, fmt.Errorf("implausible rate %d at seq %d", rate, sequence)
	}
	if sequence > f.expectedSeq+1 {
		f.gaps++
	}

	f.rate = rate
	f.rateTime = timestamp
	f.expectedSeq = sequence + 1
	return true, nil
}

// Rate returns the current rate and whether it is present and fresh.
func (f *Feed) Rate() (int64, bool) {
	if f.rate == 0 {
		return 0, false
	}
	if f.now()-f.rateTime > MaxRateAge {
		return f.rate, false
	}
	return f.rate, true
}

// LastUpdate returns the timestamp of the most recent accepted rate.
func (f *Feed) LastUpdate() int64 {
	return f.rateTime
}

func (f *Feed) ExpectedSequence() int64 {
	return f.expectedSeq
}

func (f *Feed) StaleDropped() int64 {
	return f.staleDropped
}

func (f *Feed) Gaps() int64 {
	return f.gaps
}
