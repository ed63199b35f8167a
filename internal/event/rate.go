package event

import "fmt"

// RateUpdate carries a validated EUR/USD rate from the oracle producer.
// Rate sequence gaps are tolerated (unlike flow gaps); stale sequences are
// ignored idempotently.
type RateUpdate struct {
	Rate          int64 // Fixed-point: 18-decimal EUR/USD
	RateSequence  int64
	RateTimestamp int64 // epoch seconds at the producer
}

func (r *RateUpdate) IdempotencyKey() string {
	return fmt.Sprintf("rate:%d", r.RateSequence)
}

func (r *RateUpdate) EventType() Type       { return TypeRateUpdate }
func (r *RateUpdate) SourceSequence() int64 { return r.RateSequence }
