package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MarginLedger/internal/core"
	"MarginLedger/internal/instruction"
	"MarginLedger/internal/observability"
)

// snapshotFormatVersion v1: JSON-encoded core.SnapshotState
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// Snapshots contain accounts, markets, custody balances, oracle feeds,
// sequence partitions, the idempotency LRU and the last state hash.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics, log: observability.NewLogger("snapshot")}
}

// SaveSnapshot persists a snapshot to Postgres. It stays unverified until
// VerifyPending finds its hash in the instruction log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormatVersion, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	sm.log.Info().Int64("sequence", snap.Sequence).Int("bytes", len(data)).Msg("snapshot saved")
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start. On warm restart the core restores it and replays the log
// from snapshot.Sequence+1.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot: cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifyPending marks unverified snapshots verified when their state hash
// matches the logged hash at the same sequence. A mismatching snapshot is
// left unverified and logged; it will never be loaded.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT s.sequence, s.state_hash, i.state_hash
		FROM event_log.snapshots s
		JOIN event_log.instructions i ON i.sequence = s.sequence
		WHERE s.verified = FALSE
		ORDER BY s.sequence
	`)
	if err != nil {
		return 0, fmt.Errorf("query pending snapshots: %w", err)
	}

	var matched []int64
	for rows.Next() {
		var seq int64
		var snapHash, logHash []byte
		if err := rows.Scan(&seq, &snapHash, &logHash); err != nil {
			rows.Close()
			return 0, err
		}
		if !bytes.Equal(snapHash, logHash) {
			sm.log.Error().Int64("sequence", seq).Msg("snapshot hash does not match instruction log")
			continue
		}
		matched = append(matched, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, seq := range matched {
		if err := sm.MarkVerified(ctx, seq); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadInstructionsFrom loads logged envelopes from a given sequence for
// replay (warm restart from a snapshot, or cold restart from 1).
func (sm *SnapshotManager) LoadInstructionsFrom(ctx context.Context, fromSequence int64, limit int) ([]instruction.Envelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, instruction_type, idempotency_key, partition, source_sequence,
		       payload, result, state_hash, prev_hash, timestamp
		FROM event_log.instructions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []instruction.Envelope
	for rows.Next() {
		var (
			env                 instruction.Envelope
			typeName            string
			payload             []byte
			result              []byte
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&env.Sequence, &typeName, &env.IdempotencyKey, &env.Partition, &env.SourceSequence,
			&payload, &result, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}
		if env.Type, err = instruction.ParseType(typeName); err != nil {
			return nil, fmt.Errorf("seq=%d: %w", env.Sequence, err)
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("seq=%d: malformed hash columns", env.Sequence)
		}
		env.Payload = payload
		env.Result = result
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		envelopes = append(envelopes, env)
	}

	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the instruction log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.instructions
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty log
	}
	return seq.Int64, nil
}
