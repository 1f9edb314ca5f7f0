package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
)

// EventLogWriter writes instructions and journals to Postgres using batch
// inserts. Multi-row INSERT with ON CONFLICT DO NOTHING keeps rewrites of
// an already persisted batch harmless.
type EventLogWriter struct {
	db *sql.DB
}

// maxRowsPerInsert keeps a statement under Postgres' 65535 bind parameters.
const maxRowsPerInsert = 1000

// execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// InstructionRow represents a row in event_log.instructions
type InstructionRow struct {
	Sequence        int64
	InstructionType string
	IdempotencyKey  string
	Partition       string
	SourceSequence  int64
	Payload         []byte // JSON-encoded instruction
	Result          []byte // JSON-encoded result, nil when there is none
	StateHash       []byte
	PrevHash        []byte
	Timestamp       int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Mint          uuid.UUID
	Amount        int64
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput converts one core output into its log rows.
func RowsFromOutput(out core.CoreOutput) (InstructionRow, []JournalRow) {
	env := out.Envelope
	ix := InstructionRow{
		Sequence:        env.Sequence,
		InstructionType: env.Type.String(),
		IdempotencyKey:  env.IdempotencyKey,
		Partition:       env.Partition,
		SourceSequence:  env.SourceSequence,
		Payload:         env.Payload,
		Result:          env.Result,
		StateHash:       env.StateHash[:],
		PrevHash:        env.PrevHash[:],
		Timestamp:       env.Timestamp,
	}
	if out.Batch == nil {
		return ix, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, journalRow(j))
	}
	return ix, journals
}

func journalRow(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID,
		BatchID:       j.BatchID,
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		Mint:          j.Mint,
		Amount:        j.Amount,
		JournalType:   j.JournalType.String(),
		Timestamp:     j.Timestamp,
	}
}

// WriteInstructionBatch writes a batch of instructions to
// event_log.instructions using multi-row INSERT.
func (w *EventLogWriter) WriteInstructionBatch(ctx context.Context, db execer, rows []InstructionRow) error {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) > maxRowsPerInsert {
		if err := w.WriteInstructionBatch(ctx, db, rows[:maxRowsPerInsert]); err != nil {
			return err
		}
		return w.WriteInstructionBatch(ctx, db, rows[maxRowsPerInsert:])
	}

	query := `INSERT INTO event_log.instructions
		(sequence, instruction_type, idempotency_key, partition, source_sequence, payload, result, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		// JSONB columns take text; lib/pq would send []byte as bytea
		var result interface{}
		if len(r.Result) > 0 {
			result = string(r.Result)
		}
		args = append(args,
			r.Sequence, r.InstructionType, r.IdempotencyKey, r.Partition, r.SourceSequence,
			string(r.Payload), result, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING" // Idempotent writes

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	if len(journals) > maxRowsPerInsert {
		if err := w.WriteJournalBatch(ctx, db, journals[:maxRowsPerInsert]); err != nil {
			return err
		}
		return w.WriteJournalBatch(ctx, db, journals[maxRowsPerInsert:])
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, mint, amount, journal_type, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Mint, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
