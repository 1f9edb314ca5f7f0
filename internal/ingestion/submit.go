package ingestion

import (
	"context"
	"time"

	"MarginLedger/internal/instruction"
)

// Submitter provides synchronous instruction submission for the HTTP
// gateway and admin tooling. High-throughput producers use NATS instead.
type Submitter struct {
	submissions chan<- Submission
}

func NewSubmitter(submissions chan<- Submission) *Submitter {
	return &Submitter{submissions: submissions}
}

// Submit decodes a payload of the named instruction type, hands it to the
// core and waits for the outcome. A decode failure is returned as the
// error; a core rejection is returned in Outcome.Err.
func (s *Submitter) Submit(ctx context.Context, name string, payload []byte) (Outcome, error) {
	ix, err := instruction.DecodeNamed(name, payload)
	if err != nil {
		return Outcome{}, err
	}
	return s.SubmitInstruction(ctx, ix)
}

// SubmitInstruction hands an already decoded instruction to the core.
func (s *Submitter) SubmitInstruction(ctx context.Context, ix instruction.Instruction) (Outcome, error) {
	reply := make(chan Outcome, 1)
	select {
	case s.submissions <- Submission{Instruction: ix, Received: time.Now(), Reply: reply}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		// The core still processes the instruction; its outcome is lost
		// to this caller only.
		return Outcome{}, ctx.Err()
	}
}
