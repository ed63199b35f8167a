package projection

// FillHistoryEntry records one change to a position's matched volume.
type FillHistoryEntry struct {
	PositionID uint64
	OldFilled  int64
	NewFilled  int64
	Sequence   int64
	Timestamp  int64
}

// FillHistoryProjection keeps a bounded in-memory window of recent fill
// changes for low-latency queries. The full history lives in Postgres.
type FillHistoryProjection struct {
	entries []FillHistoryEntry
	maxSize int
}

func NewFillHistoryProjection(maxSize int) *FillHistoryProjection {
	return &FillHistoryProjection{
		entries: make([]FillHistoryEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// AddEntry records a fill change, evicting the oldest entry when full.
func (p *FillHistoryProjection) AddEntry(entry FillHistoryEntry) {
	if len(p.entries) >= p.maxSize {
		p.entries = p.entries[1:]
	}
	p.entries = append(p.entries, entry)
}

// QueryByPosition returns the most recent fill changes for a position,
// newest first.
func (p *FillHistoryProjection) QueryByPosition(positionID uint64, limit int) []FillHistoryEntry {
	result := make([]FillHistoryEntry, 0)

	for i := len(p.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if p.entries[i].PositionID == positionID {
			result = append(result, p.entries[i])
		}
	}

	return result
}

// Len returns the number of retained entries.
func (p *FillHistoryProjection) Len() int {
	return len(p.entries)
}
