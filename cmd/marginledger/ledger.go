package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
)

// ledgerLoop owns the deterministic core. Every read or write of core
// state happens on the goroutine running Run; other goroutines reach it
// through submissions and admin requests.
type ledgerLoop struct {
	core        *core.DeterministicCore
	submissions chan ingestion.Submission
	admin       chan func()

	snapMgr          *persistence.SnapshotManager
	projections      *projection.ProjectionWorker
	snapshotInterval int64

	metrics *observability.Metrics
	log     zerolog.Logger
}

const channelMetricsPeriod = 5 * time.Second

// Run processes submissions until ctx is cancelled.
func (l *ledgerLoop) Run(ctx context.Context) error {
	lastSnapshot := l.core.GetSequence()
	ticker := time.NewTicker(channelMetricsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub := <-l.submissions:
			err := l.core.ProcessInstruction(sub.Instruction)
			if err != nil {
				l.log.Debug().
					Err(err).
					Str("type", sub.Instruction.Type().String()).
					Str("key", sub.Instruction.IdempotencyKey()).
					Msg("instruction rejected")
			} else if l.metrics != nil && !sub.Received.IsZero() {
				l.metrics.IngestToApply.WithLabelValues(sub.Instruction.Type().String()).
					Observe(time.Since(sub.Received).Seconds())
			}
			if sub.Reply != nil {
				sub.Reply <- ingestion.Outcome{Sequence: l.core.GetSequence(), Err: err}
			}

			if seq := l.core.GetSequence(); seq-lastSnapshot >= l.snapshotInterval {
				l.snapshotAsync(ctx)
				lastSnapshot = seq
			}

		case fn := <-l.admin:
			fn()

		case <-ticker.C:
			if l.metrics != nil {
				l.metrics.SetChannelMetrics("submissions", len(l.submissions), cap(l.submissions))
			}
		}
	}
}

// snapshotAsync captures the state on the core goroutine and saves it in
// the background. It is verified on the next start once the log holds the
// same sequence.
func (l *ledgerLoop) snapshotAsync(ctx context.Context) {
	snap := l.core.CreateSnapshotState()
	go func() {
		if err := l.snapMgr.SaveSnapshot(ctx, snap); err != nil {
			l.log.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
		}
	}()
}

// onCore runs fn on the core goroutine and waits for it.
func (l *ledgerLoop) onCore(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case l.admin <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeSnapshot saves a snapshot of the current state.
func (l *ledgerLoop) TakeSnapshot(ctx context.Context) (int64, error) {
	var snap *core.SnapshotState
	if err := l.onCore(ctx, func() { snap = l.core.CreateSnapshotState() }); err != nil {
		return 0, err
	}
	if err := l.snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return 0, err
	}
	return snap.Sequence, nil
}

// RebuildProjections replaces the projection tables with the current state.
func (l *ledgerLoop) RebuildProjections(ctx context.Context) (int64, error) {
	var full core.CoreOutput
	if err := l.onCore(ctx, func() { full = l.core.FullOutput(time.Now().Unix()) }); err != nil {
		return 0, err
	}
	if err := l.projections.Rebuild(ctx, full); err != nil {
		return 0, err
	}
	return full.Envelope.Sequence, nil
}

// recoverState restores the latest verified snapshot and replays the log after
// it. It runs before the loop starts, so it may touch the core directly.
func recoverState(
	ctx context.Context,
	c *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	batchSize int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (int64, error) {
	if n, err := snapMgr.VerifyPending(ctx); err != nil {
		return 0, fmt.Errorf("verify snapshots: %w", err)
	} else if n > 0 {
		log.Info().Int("snapshots", n).Msg("verified pending snapshots")
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return 0, fmt.Errorf("restore snapshot: %w", err)
		}
	} else {
		log.Info().Msg("no snapshot found, cold start from sequence 1")
	}

	start := time.Now()
	from := c.GetSequence() + 1
	var replayed int64
	for {
		envs, err := snapMgr.LoadInstructionsFrom(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load instructions from seq %d: %w", from, err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := c.ReplayEnvelope(env); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = envs[len(envs)-1].Sequence + 1
	}
	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}

	log.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return replayed, nil
}
