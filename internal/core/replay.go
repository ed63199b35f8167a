package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"HedgeLedger/internal/event"
	"HedgeLedger/internal/state"
)

// AuditRecord is one stored audit log row handed back for replay.
type AuditRecord struct {
	Sequence  int64
	EventType string
	Payload   []byte
	StateHash [32]byte
	PrevHash  [32]byte
	Timestamp int64
}

// ReplayAuditRecord rolls the engine state forward by one stored audit
// record. Records must arrive in sequence order; each record's prev hash
// must match the current chain tip. Vault movements are not replayed,
// only ledger state: the vault is an external system whose balance is
// reconciled at engine construction.
//
// Per-record digest verification is not possible because one operation
// emits several records that all hash the operation's final state; use
// VerifyChainTip with the last record after the full replay.
func (e *Engine) ReplayAuditRecord(rec AuditRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.Sequence != e.sequence {
		return fmt.Errorf("replay gap: record sequence %d, expected %d", rec.Sequence, e.sequence)
	}
	if prev := e.hasher.GetPrevHash(); prev != rec.PrevHash {
		return fmt.Errorf("replay chain break at sequence %d: prev hash mismatch", rec.Sequence)
	}

	if err := e.applyReplay(rec); err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", rec.Sequence, rec.EventType, err)
	}

	e.hasher.SetPrevHash(rec.StateHash)
	e.sequence = rec.Sequence + 1
	return nil
}

// VerifyChainTip recomputes the digest hash of the final replayed record
// against the live aggregate state.
func (e *Engine) VerifyChainTip(sequence int64, prevHash, stateHash [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	got := HashRecord(prevHash, sequence, e.aggregates.CanonicalBytes())
	if got != stateHash {
		return fmt.Errorf("state hash mismatch at sequence %d: have %x, want %x",
			sequence, got, stateHash)
	}
	return nil
}

// RestoreFlowWatermark sets a partition's next expected source sequence,
// used when rebuilding watermarks from the inbound event table.
func (e *Engine) RestoreFlowWatermark(partition string, next int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flows.Restore(partition, next)
}

// WarmIdempotency preloads dedup keys into the in-memory LRU.
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(keys)
}

func (e *Engine) applyReplay(rec AuditRecord) error {
	ts := rec.Timestamp

	switch rec.EventType {
	case "PositionOpened":
		var p event.PositionOpened
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		pos, err := e.book.Open(p.Owner, p.Margin, p.Leverage, p.EntryRate, ts)
		if err != nil {
			return err
		}
		if pos.ID != p.PositionID {
			return fmt.Errorf("position id diverged: opened %d, recorded %d", pos.ID, p.PositionID)
		}
		e.rewards.TouchAt(p.Owner, ts)
		return nil

	case "PositionClosed":
		var p event.PositionClosed
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		// Fill records for the unwind precede this one, so the filled
		// volume is already zero.
		return e.book.Deactivate(p.PositionID)

	case "MarginAdded", "MarginRemoved":
		var m event.MarginChanged
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return err
		}
		pos, err := e.book.GetActive(m.PositionID)
		if err != nil {
			return err
		}
		return e.book.AdjustMargin(m.PositionID, m.NewMargin-pos.Margin, ts)

	case "FillChanged":
		var f event.FillChanged
		if err := json.Unmarshal(rec.Payload, &f); err != nil {
			return err
		}
		return e.book.SetFilled(f.PositionID, f.NewFilled)

	case "LiquidationCommitted":
		var l event.LiquidationCommitted
		if err := json.Unmarshal(rec.Payload, &l); err != nil {
			return err
		}
		key, err := parseCommitKey(l.CommitKey)
		if err != nil {
			return err
		}
		e.commitments.Restore(state.Commitment{
			Key:        key,
			Owner:      l.Owner,
			PositionID: l.PositionID,
			Liquidator: l.Liquidator,
			CommitTime: ts,
		})
		e.commitments.MarkAttempt(l.Owner, ts)
		return nil

	case "LiquidationExecuted":
		var l event.LiquidationExecuted
		if err := json.Unmarshal(rec.Payload, &l); err != nil {
			return err
		}
		key, err := parseCommitKey(l.CommitKey)
		if err != nil {
			return err
		}
		e.commitments.Remove(key)
		return e.book.Deactivate(l.PositionID)

	case "LiquidationCancelled":
		var l event.LiquidationCancelled
		if err := json.Unmarshal(rec.Payload, &l); err != nil {
			return err
		}
		key, err := parseCommitKey(l.CommitKey)
		if err != nil {
			return err
		}
		e.commitments.Remove(key)
		return nil

	case "LiquidationExpired":
		var l event.LiquidationExpired
		if err := json.Unmarshal(rec.Payload, &l); err != nil {
			return err
		}
		key, err := parseCommitKey(l.CommitKey)
		if err != nil {
			return err
		}
		e.commitments.Remove(key)
		return nil

	case "RewardsClaimed":
		var r event.RewardsClaimed
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return err
		}
		e.rewards.SetAnchor(r.Owner, ts)
		return nil

	case "ParamsUpdated":
		var p event.ParamsUpdated
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return e.params.Update(state.CoreParams{
			MinMarginRatioBps:       p.MinMarginRatioBps,
			LiquidationThresholdBps: p.LiquidationThresholdBps,
			MaxLeverage:             p.MaxLeverage,
			LiquidationPenaltyBps:   p.LiquidationPenaltyBps,
			EntryFeeBps:             p.EntryFeeBps,
			ExitFeeBps:              p.ExitFeeBps,
			MarginFeeBps:            p.MarginFeeBps,
			EURRateBps:              p.EURRateBps,
			USDRateBps:              p.USDRateBps,
		})

	case "PauseChanged":
		var p event.PauseChanged
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		e.paused = p.Paused
		return nil

	default:
		return fmt.Errorf("unknown audit record type %q", rec.EventType)
	}
}

func parseCommitKey(s string) (state.CommitKey, error) {
	var key state.CommitKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode commit key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("commit key length %d, want %d", len(raw), len(key))
	}
	copy(key[:], raw)
	return key, nil
}
