package ingestion_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/instruction"
)

type ackRecorder struct {
	acked, naked, termed chan struct{}
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{
		acked:  make(chan struct{}, 1),
		naked:  make(chan struct{}, 1),
		termed: make(chan struct{}, 1),
	}
}

func (r *ackRecorder) message(subject string, data []byte) ingestion.RawMessage {
	return ingestion.RawMessage{
		Subject:  subject,
		Data:     data,
		Received: time.Now(),
		Ack:      func() { r.acked <- struct{}{} },
		Nak:      func() { r.naked <- struct{}{} },
		Term:     func() { r.termed <- struct{}{} },
	}
}

func TestRunParser_AcksAfterEnqueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := make(chan ingestion.RawMessage, 1)
	subs := make(chan ingestion.Submission, 1)
	go ingestion.RunParser(ctx, raw, subs, nil)

	rec := newAckRecorder()
	raw <- rec.message(ingestion.InstructionSubject(instruction.TypeCreateAccount), mustJSON(t, map[string]interface{}{
		"idempotency_key": "create-1",
		"timestamp":       1_700_000_000,
		"account":         uuid.New(),
		"owner":           uuid.New(),
		"airspace":        uuid.New(),
	}))

	select {
	case sub := <-subs:
		assert.Equal(t, instruction.TypeCreateAccount, sub.Instruction.Type())
		assert.Nil(t, sub.Reply)
	case <-time.After(time.Second):
		t.Fatal("no submission")
	}
	select {
	case <-rec.acked:
	case <-time.After(time.Second):
		t.Fatal("message not acked")
	}
}

func TestRunParser_TerminatesMalformed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := make(chan ingestion.RawMessage, 1)
	subs := make(chan ingestion.Submission, 1)
	go ingestion.RunParser(ctx, raw, subs, nil)

	rec := newAckRecorder()
	raw <- rec.message(ingestion.InstructionSubject(instruction.TypeCreateAccount), []byte(`{not json`))

	select {
	case <-rec.termed:
	case <-time.After(time.Second):
		t.Fatal("message not terminated")
	}
	require.Len(t, subs, 0)
}

func TestSubmitter_WaitsForOutcome(t *testing.T) {
	subs := make(chan ingestion.Submission)
	submitter := ingestion.NewSubmitter(subs)

	go func() {
		sub := <-subs
		sub.Reply <- ingestion.Outcome{Sequence: 42}
	}()

	payload := mustJSON(t, map[string]interface{}{
		"idempotency_key": "fund-9",
		"timestamp":       1_700_000_000,
		"owner":           uuid.New(),
		"mint":            uuid.New(),
		"amount":          10,
	})
	out, err := submitter.Submit(context.Background(), "fund_wallet", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out.Sequence)
	assert.NoError(t, out.Err)
}

func TestSubmitter_DecodeErrorNeverReachesCore(t *testing.T) {
	subs := make(chan ingestion.Submission, 1)
	submitter := ingestion.NewSubmitter(subs)

	_, err := submitter.Submit(context.Background(), "fund_wallet", []byte(`{}`))
	require.Error(t, err)
	assert.Len(t, subs, 0)
}

func TestSubmitter_ContextCancelled(t *testing.T) {
	subs := make(chan ingestion.Submission)
	submitter := ingestion.NewSubmitter(subs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	payload := mustJSON(t, map[string]interface{}{
		"idempotency_key": "fund-10",
		"timestamp":       1_700_000_000,
		"owner":           uuid.New(),
		"mint":            uuid.New(),
		"amount":          10,
	})
	_, err := submitter.Submit(ctx, "fund_wallet", payload)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
