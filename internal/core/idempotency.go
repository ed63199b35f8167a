package core

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker deduplicates inbound flow, rate and param events with a
// two-tier lookup: an in-memory LRU on the hot path, Postgres on the cold
// path. Duplicates are silently skipped — the original already produced its
// audit record.
type IdempotencyChecker struct {
	lru       *dedupLRU
	dbChecker DBIdempotencyChecker

	lruHits  int64
	dbHits   int64
	dbErrors int64
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newDedupLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether the event was already processed. A DB lookup
// error is treated as not-duplicate so a Postgres hiccup cannot stall the
// event loop; the audit log's unique constraint is the final backstop.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	key := fmt.Sprintf("%s:%s", eventType, idempotencyKey)

	if ic.lru.contains(key) {
		ic.lruHits++
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			ic.dbErrors++
			return false
		}
		if isDup {
			ic.dbHits++
			ic.lru.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed records a successfully applied event in the LRU.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", eventType, idempotencyKey))
}

// Warm loads composite keys into the LRU on restart to avoid cold-path DB
// lookups for recently processed events.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Keys returns every composite key currently cached (snapshot support).
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.size()
}

func (ic *IdempotencyChecker) Stats() (lruHits, dbHits, dbErrors int64) {
	return ic.lruHits, ic.dbHits, ic.dbErrors
}

// --- LRU ---

// dedupLRU is not thread-safe; only the single-threaded engine loop uses it.
type dedupLRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *dedupLRU) contains(key string) bool {
	elem, ok := l.cache[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *dedupLRU) add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}

	l.cache[key] = l.order.PushFront(key)

	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
	}
}

func (l *dedupLRU) keys() []string {
	out := make([]string, 0, l.order.Len())
	for elem := l.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(string))
	}
	return out
}

func (l *dedupLRU) size() int {
	return l.order.Len()
}
