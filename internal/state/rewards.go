package state

import (
	"github.com/google/uuid"

	"HedgeLedger/internal/fxmath"
)

// MaxRewardPeriod caps a single accrual window at 30 days. A hedger who
// never claims does not compound an unbounded interest differential.
const MaxRewardPeriod = 30 * 24 * 3600

// YieldSource supplies the protocol yield pool a claimant shares in.
// Implementations report the pool available at claim time; the claimed
// share is drawn down by the engine through the vault.
type YieldSource interface {
	AvailableYield() int64
}

type rewardState struct {
	lastClaim int64
}

// RewardBook tracks per-hedger accrual anchors. Not thread-safe.
type RewardBook struct {
	states map[uuid.UUID]*rewardState
	now    func() int64
}

func NewRewardBook(now func() int64) *RewardBook {
	return &RewardBook{states: make(map[uuid.UUID]*rewardState), now: now}
}

// Touch starts the accrual clock for a hedger on first position open.
// Calling it again is a no-op.
func (b *RewardBook) Touch(owner uuid.UUID) {
	b.TouchAt(owner, b.now())
}

// TouchAt is Touch with an explicit timestamp, for replay.
func (b *RewardBook) TouchAt(owner uuid.UUID, ts int64) {
	if _, ok := b.states[owner]; !ok {
		b.states[owner] = &rewardState{lastClaim: ts}
	}
}

// SetAnchor overwrites a hedger's accrual anchor. Used on snapshot
// restore and when replaying claim records.
func (b *RewardBook) SetAnchor(owner uuid.UUID, ts int64) {
	b.states[owner] = &rewardState{lastClaim: ts}
}

// Export returns every accrual anchor for snapshotting.
func (b *RewardBook) Export() map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(b.states))
	for owner, st := range b.states {
		out[owner] = st.lastClaim
	}
	return out
}

// Accrued computes the owner's accrued rewards without resetting the anchor:
// the interest rate differential on their exposure since the last claim, plus
// a pro-rata share of the yield pool weighted by exposure over total
// exposure. Elapsed time is capped at MaxRewardPeriod. The caller commits the
// claim with SetAnchor once the payout has actually gone through, so a failed
// payout never destroys accrual.
func (b *RewardBook) Accrued(owner uuid.UUID, exposure, totalExposure, eurRateBps, usdRateBps, yieldPool int64) (interest, yieldShare, total int64) {
	st, ok := b.states[owner]
	if !ok {
		return 0, 0, 0
	}

	elapsed := b.now() - st.lastClaim
	if elapsed > MaxRewardPeriod {
		elapsed = MaxRewardPeriod
	}
	if exposure <= 0 || elapsed <= 0 {
		return 0, 0, 0
	}

	interest = fxmath.InterestDifferential(exposure, eurRateBps, usdRateBps, elapsed)
	if yieldPool > 0 && totalExposure > 0 {
		yieldShare = fxmath.ProRata(yieldPool, exposure, totalExposure)
	}
	total = interest + yieldShare
	return interest, yieldShare, total
}

// LastClaim returns the accrual anchor for owner, or 0 if never touched.
func (b *RewardBook) LastClaim(owner uuid.UUID) int64 {
	if st, ok := b.states[owner]; ok {
		return st.lastClaim
	}
	return 0
}
