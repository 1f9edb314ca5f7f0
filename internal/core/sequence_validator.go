package core

import (
	"sort"
	"strings"

	"MarginLedger/internal/instruction"
	"MarginLedger/internal/observability"
)

// SequenceValidator validates source sequences per partition. Checks do
// not mutate; the core advances a partition only once the instruction
// committed, so a rejected instruction can be resubmitted unchanged.
// Not thread-safe. Only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// IsPricePartition reports whether partition carries oracle readings.
func IsPricePartition(partition string) bool {
	return strings.HasPrefix(partition, instruction.PricePartitionPrefix)
}

// Check verifies sourceSequence is the next one expected in partition.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if sv.metrics != nil {
			sv.metrics.OutOfOrder.WithLabelValues(partition).Inc()
		}
		return ErrOutOfOrder.Wrapf("partition=%s, expected=%d, got=%d", partition, expected, sourceSequence)
	}
	if sourceSequence > expected {
		if sv.metrics != nil {
			sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
		}
		return ErrSequenceGap.Wrapf("partition=%s, expected=%d, got=%d", partition, expected, sourceSequence)
	}
	return nil
}

// CheckPrice reports whether a price reading is newer than the last one
// applied for the feed. Gaps are tolerated and counted.
func (sv *SequenceValidator) CheckPrice(partition string, publishTime int64) bool {
	expected, seen := sv.expectedNextSeq[partition]
	if seen && publishTime < expected {
		return false
	}
	if seen && publishTime > expected && sv.metrics != nil {
		sv.metrics.PriceGaps.WithLabelValues(strings.TrimPrefix(partition, instruction.PricePartitionPrefix)).Inc()
	}
	return true
}

// Advance records sourceSequence as applied in partition.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// PartitionState is one partition's next expected sequence.
type PartitionState struct {
	Partition string `json:"partition"`
	Next      int64  `json:"next"`
}

// Partitions returns every partition ordered by name.
func (sv *SequenceValidator) Partitions() []PartitionState {
	out := make([]PartitionState, 0, len(sv.expectedNextSeq))
	for p, next := range sv.expectedNextSeq {
		out = append(out, PartitionState{Partition: p, Next: next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}
