package state

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Liquidation timing, in seconds. A commitment must age past MinCommitAge
// before it can be revealed, and dies at CommitExpiry. Any commit against an
// owner starts a cooldown window during which the owner cannot withdraw
// margin.
const (
	MinCommitAge          = 60
	CommitExpiry          = 300
	LiquidationCooldown   = 300
	MaxPendingCommitments = 5
)

// CommitKey binds a commitment to the target owner, position, a secret salt
// and the committing liquidator. Execution requires re-deriving the same key
// from the same salt, so a commitment cannot be taken over by another
// liquidator.
type CommitKey [32]byte

func ComputeCommitKey(owner uuid.UUID, positionID uint64, salt [32]byte, liquidator uuid.UUID) CommitKey {
	h := sha256.New()
	h.Write(owner[:])
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], positionID)
	h.Write(idBuf[:])
	h.Write(salt[:])
	h.Write(liquidator[:])
	var key CommitKey
	copy(key[:], h.Sum(nil))
	return key
}

// Commitment is one pending liquidation intent.
type Commitment struct {
	Key        CommitKey
	Owner      uuid.UUID
	PositionID uint64
	Liquidator uuid.UUID
	CommitTime int64
}

// CommitmentBook tracks pending liquidation commitments, a per-position
// pending count, and per-owner cooldown marks. Not thread-safe: the engine
// serializes access.
type CommitmentBook struct {
	pending     map[CommitKey]*Commitment
	perPosition map[uint64]int
	lastAttempt map[uuid.UUID]int64
	now         func() int64
}

func NewCommitmentBook(now func() int64) *CommitmentBook {
	return &CommitmentBook{
		pending:     make(map[CommitKey]*Commitment),
		perPosition: make(map[uint64]int),
		lastAttempt: make(map[uuid.UUID]int64),
		now:         now,
	}
}

// Commit registers a new commitment against a position. At most
// MaxPendingCommitments may be outstanding per position. The owner's
// cooldown mark is set so margin withdrawal is blocked while the position is
// under liquidation pressure.
func (b *CommitmentBook) Commit(owner uuid.UUID, positionID uint64, key CommitKey, liquidator uuid.UUID) error {
	if _, ok := b.pending[key]; ok {
		return fmt.Errorf("%w: %x", ErrCommitmentExists, key[:8])
	}
	if b.perPosition[positionID] >= MaxPendingCommitments {
		return fmt.Errorf("%w: %d pending on position %d",
			ErrTooManyCommitments, b.perPosition[positionID], positionID)
	}

	ts := b.now()
	b.pending[key] = &Commitment{
		Key:        key,
		Owner:      owner,
		PositionID: positionID,
		Liquidator: liquidator,
		CommitTime: ts,
	}
	b.perPosition[positionID]++
	b.MarkAttempt(owner, ts)
	return nil
}

func (b *CommitmentBook) Lookup(key CommitKey) (*Commitment, bool) {
	c, ok := b.pending[key]
	return c, ok
}

// ValidateExecutable checks that the commitment derived from the revealed
// parameters exists, has aged past MinCommitAge, has not expired, and was
// made by the revealing liquidator.
func (b *CommitmentBook) ValidateExecutable(key CommitKey, liquidator uuid.UUID) (*Commitment, error) {
	c, ok := b.pending[key]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	if c.Liquidator != liquidator {
		return nil, ErrCommitmentNotFound
	}
	age := b.now() - c.CommitTime
	if age < MinCommitAge {
		return nil, fmt.Errorf("%w: age %ds", ErrCommitmentTooFresh, age)
	}
	if age > CommitExpiry {
		return nil, fmt.Errorf("%w: age %ds", ErrCommitmentExpired, age)
	}
	return c, nil
}

func (b *CommitmentBook) Remove(key CommitKey) {
	b.drop(key)
}

// Cancel withdraws a commitment. Only the committing liquidator may cancel;
// the cooldown on the owner stays in force.
func (b *CommitmentBook) Cancel(key CommitKey, liquidator uuid.UUID) error {
	c, ok := b.pending[key]
	if !ok || c.Liquidator != liquidator {
		return ErrCommitmentNotFound
	}
	b.drop(key)
	return nil
}

// ClearExpired drops every commitment older than CommitExpiry and returns
// the removed keys.
func (b *CommitmentBook) ClearExpired() []CommitKey {
	ts := b.now()
	var expired []CommitKey
	for key, c := range b.pending {
		if ts-c.CommitTime > CommitExpiry {
			expired = append(expired, key)
			b.drop(key)
		}
	}
	return expired
}

func (b *CommitmentBook) drop(key CommitKey) {
	c, ok := b.pending[key]
	if !ok {
		return
	}
	delete(b.pending, key)
	if n := b.perPosition[c.PositionID]; n <= 1 {
		delete(b.perPosition, c.PositionID)
	} else {
		b.perPosition[c.PositionID] = n - 1
	}
}

func (b *CommitmentBook) PendingCount() int {
	return len(b.pending)
}

// PendingFor reports how many commitments are outstanding against a position.
func (b *CommitmentBook) PendingFor(positionID uint64) int {
	return b.perPosition[positionID]
}

// Export returns the pending commitments and per-owner attempt marks for
// snapshotting.
func (b *CommitmentBook) Export() ([]Commitment, map[uuid.UUID]int64) {
	out := make([]Commitment, 0, len(b.pending))
	for _, c := range b.pending {
		out = append(out, *c)
	}
	attempts := make(map[uuid.UUID]int64, len(b.lastAttempt))
	for owner, ts := range b.lastAttempt {
		attempts[owner] = ts
	}
	return out, attempts
}

// Restore installs a commitment directly, bypassing the capacity check.
// Used on snapshot restore and replay.
func (b *CommitmentBook) Restore(c Commitment) {
	if _, ok := b.pending[c.Key]; ok {
		return
	}
	cc := c
	b.pending[c.Key] = &cc
	b.perPosition[c.PositionID]++
}

// MarkAttempt records a liquidation attempt against owner, keeping the most
// recent mark.
func (b *CommitmentBook) MarkAttempt(owner uuid.UUID, ts int64) {
	if ts > b.lastAttempt[owner] {
		b.lastAttempt[owner] = ts
	}
}

// RestoreAttempts installs per-owner cooldown marks directly.
func (b *CommitmentBook) RestoreAttempts(attempts map[uuid.UUID]int64) {
	for owner, ts := range attempts {
		b.MarkAttempt(owner, ts)
	}
}

// UnderCooldown reports whether the owner's last liquidation attempt is
// still inside the cooldown window.
func (b *CommitmentBook) UnderCooldown(owner uuid.UUID) bool {
	last, ok := b.lastAttempt[owner]
	return ok && b.now()-last < LiquidationCooldown
}
