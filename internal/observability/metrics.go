package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for MarginLedger.
type Metrics struct {
	// --- Core processing ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	Journals             *prometheus.CounterVec
	StateHashDur         prometheus.Histogram
	Sequence             prometheus.Gauge
	Accounts             prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	SequenceGaps          *prometheus.CounterVec
	OutOfOrder            *prometheus.CounterVec
	PriceGaps             *prometheus.CounterVec

	// --- Oracle ---
	PriceUpdates *prometheus.CounterVec

	// --- Margin & liquidation ---
	LiquidationsBegun  prometheus.Counter
	LiquidationsEnded  *prometheus.CounterVec
	LiquidatorActions  prometheus.Counter
	AdapterInvocations *prometheus.CounterVec

	// --- Fixed-term markets ---
	OrdersPlaced   *prometheus.CounterVec
	Fills          *prometheus.CounterVec
	FilledBase     *prometheus.CounterVec
	EventsConsumed *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	OpenLoans      *prometheus.GaugeVec
	Rolls          *prometheus.CounterVec

	// --- Persistence ---
	PersistInstructionsWritten prometheus.Counter
	PersistJournalsWritten     prometheus.Counter
	PersistBatchSize           prometheus.Histogram
	PersistErrors              *prometheus.CounterVec
	PersistRetry               prometheus.Counter
	PersistLastSequence        prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayTotal       prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API & stream ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	StreamClients prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		InstructionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_instructions_applied_total",
			Help: "Instructions successfully applied by core",
		}, []string{"type"}),

		InstructionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_instructions_rejected_total",
			Help: "Instructions rejected (duplicate, sequence, error class)",
		}, []string{"type", "reason"}),

		InstructionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_core_instruction_apply_duration_seconds",
			Help:    "Time to apply a single instruction in core",
			Buckets: latencyBuckets,
		}, []string{"type"}),

		Journals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		StateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		Sequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_core_sequence",
			Help: "Current global sequence number",
		}),

		Accounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_core_accounts",
			Help: "Open margin accounts",
		}),

		// Latency
		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"type"}),

		ApplyToPersist: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_nats_pull_latency_seconds",
			Help:    "Time from stream storage to consumer delivery",
			Buckets: ingestBuckets,
		}, []string{"type"}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"type", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		SequenceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		OutOfOrder: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PriceGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_price_gap_total",
			Help: "Tolerated gaps in price feed sequences",
		}, []string{"feed"}),

		// Oracle
		PriceUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_price_updates_total",
			Help: "Oracle readings by outcome (applied/stale)",
		}, []string{"feed", "outcome"}),

		// Margin & liquidation
		LiquidationsBegun: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_liquidations_begun_total",
			Help: "Liquidations started",
		}),

		LiquidationsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidations_ended_total",
			Help: "Liquidations ended, by who ended them (liquidator/timeout)",
		}, []string{"outcome"}),

		LiquidatorActions: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_liquidator_actions_total",
			Help: "Adapter invocations made by liquidators",
		}),

		AdapterInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_adapter_invocations_total",
			Help: "Adapter invocations by kind",
		}, []string{"kind"}),

		// Fixed-term markets
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_orders_placed_total",
			Help: "Orders placed",
		}, []string{"market"}),

		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_fills_total",
			Help: "Order book fills",
		}, []string{"market"}),

		FilledBase: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_filled_base_total",
			Help: "Ticket quantity filled",
		}, []string{"market"}),

		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_events_consumed_total",
			Help: "Queue events settled by the crank",
		}, []string{"market"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_event_queue_depth",
			Help: "Unconsumed events in the market event queue",
		}, []string{"market"}),

		OpenLoans: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_open_term_loans",
			Help: "Outstanding term loans",
		}, []string{"market"}),

		Rolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_auto_rolls_total",
			Help: "Matured loans and tickets rolled",
		}, []string{"market"}),

		// Persistence
		PersistInstructionsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_instructions_written_total",
			Help: "Instructions written to Postgres",
		}),

		PersistJournalsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_size",
			Help:    "Instructions per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "margin_replay_instructions_total",
			Help: "Instructions replayed on startup",
		}),

		ReplayDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API & stream
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "margin_stream_clients",
			Help: "Connected websocket stream clients",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
