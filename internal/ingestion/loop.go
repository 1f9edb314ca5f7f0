package ingestion

import (
	"context"
	"strings"
	"time"

	"MarginLedger/internal/fault"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/observability"
)

// Submission is one instruction waiting for the core goroutine.
type Submission struct {
	Instruction instruction.Instruction
	Received    time.Time

	// Reply receives the outcome once the core has processed the
	// instruction. Nil for NATS submissions, which are acked on enqueue.
	Reply chan<- Outcome
}

// Outcome is what the core reports back for a submission. Sequence is the
// last applied sequence after processing; a duplicate leaves it unchanged.
type Outcome struct {
	Sequence int64
	Err      error
}

// RunParser parses raw NATS messages and forwards them to the core.
// Messages are acked after the blocking send to submissions, NOT after
// core processing: a slow core then cannot expire AckWait, and a full
// channel propagates backpressure to NATS. Malformed messages are
// terminated so JetStream never redelivers them.
func RunParser(ctx context.Context, rawChan <-chan RawMessage, submissions chan<- Submission, metrics *observability.Metrics) {
	log := observability.NewLogger("ingestion")

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			ix, err := ParseMessage(raw.Subject, raw.Data)
			if err != nil {
				log.Warn().
					Err(err).
					Str("subject", raw.Subject).
					Str("class", fault.ClassOf(err).String()).
					Msg("dropping unparseable message")
				if metrics != nil {
					metrics.InstructionsRejected.WithLabelValues(subjectType(raw.Subject), "malformed").Inc()
				}
				raw.Term()
				continue
			}

			select {
			case submissions <- Submission{Instruction: ix, Received: raw.Received}:
				raw.Ack()
			case <-ctx.Done():
				raw.Nak()
				return
			}
		}
	}
}

// subjectType is the metric label for a subject: the instruction name, or
// price_update for feed subjects.
func subjectType(subject string) string {
	switch {
	case strings.HasPrefix(subject, PriceSubjectPrefix):
		return instruction.TypePriceUpdate.String()
	case strings.HasPrefix(subject, InstructionSubjectPrefix):
		if t, err := instruction.ParseType(strings.TrimPrefix(subject, InstructionSubjectPrefix)); err == nil {
			return t.String()
		}
	}
	return "unknown"
}
