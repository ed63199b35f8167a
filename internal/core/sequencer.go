package core

import (
	"fmt"
)

// FlowSequencer validates source sequences per partition (mint flow, redeem
// flow, governance). Flow events follow strict ordering: a gap or an
// out-of-order NEW event is an error; duplicates below the watermark are
// tolerated because the idempotency layer already caught them.
//
// Not thread-safe — only accessed from the single-threaded engine loop.
type FlowSequencer struct {
	expectedNext map[string]int64

	gaps       int64
	outOfOrder int64
}

func NewFlowSequencer() *FlowSequencer {
	return &FlowSequencer{expectedNext: make(map[string]int64)}
}

// Validate checks source sequence ordering for a partition.
func (s *FlowSequencer) Validate(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := s.expectedNext[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		s.outOfOrder++
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		s.expectedNext[partition] = expected + 1
		return nil
	}

	s.gaps++
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// Expected returns the next expected sequence for a partition.
func (s *FlowSequencer) Expected(partition string) int64 {
	return s.expectedNext[partition]
}

// Restore initializes a partition watermark (snapshot recovery).
func (s *FlowSequencer) Restore(partition string, seq int64) {
	s.expectedNext[partition] = seq
}

// Partitions returns a copy of all partition watermarks (snapshot support).
func (s *FlowSequencer) Partitions() map[string]int64 {
	out := make(map[string]int64, len(s.expectedNext))
	for k, v := range s.expectedNext {
		out[k] = v
	}
	return out
}

func (s *FlowSequencer) Gaps() int64       { return s.gaps }
func (s *FlowSequencer) OutOfOrder() int64 { return s.outOfOrder }
