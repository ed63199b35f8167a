package ledger

import (
	"bytes"
	"sort"
)

// CanonicalBytes returns a deterministic serialization of every aggregate,
// used as the digest input for the audit hash chain. Hedgers are sorted by
// owner id so the digest is independent of map iteration order.
func (l *AggregateLedger) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(l.hedgers)*48)

	buf = appendInt64LE(buf, l.totalMargin)
	buf = appendInt64LE(buf, l.totalExposure)
	buf = appendInt64LE(buf, l.totalFilledExposure)
	buf = appendInt64LE(buf, l.activeHedgers)
	buf = appendInt64LE(buf, int64(l.nextPositionID))

	owners := make([][16]byte, 0, len(l.hedgers))
	for owner := range l.hedgers {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool {
		return bytes.Compare(owners[i][:], owners[j][:]) < 0
	})

	for _, owner := range owners {
		h := l.hedgers[owner]
		buf = append(buf, owner[:]...)
		buf = appendInt64LE(buf, h.TotalMargin)
		buf = appendInt64LE(buf, h.TotalExposure)
		buf = appendInt64LE(buf, h.ActivePositions)
	}

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
