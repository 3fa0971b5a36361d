package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Torex engine.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Torex domain ---
	MovementsExecuted   *prometheus.CounterVec
	MovementsAborted    *prometheus.CounterVec
	MovementInAmount    *prometheus.CounterVec
	MovementOutAmount   *prometheus.CounterVec
	BackAdjustments     *prometheus.CounterVec
	ControllerErrors    *prometheus.CounterVec
	ControllerStranded  *prometheus.GaugeVec
	ActiveTraders       *prometheus.GaugeVec
	TotalGrossFlowRate  *prometheus.GaugeVec
	VaultInBalance      *prometheus.GaugeVec
	FeeBufferBalance    *prometheus.GaugeVec

	// --- Latency ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec
	PersistBatchDur prometheus.Histogram

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence & snapshots ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge
	SnapshotTaken          prometheus.Counter
	SnapshotLastSeq        prometheus.Gauge
	ReplayEventsTotal      prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torex_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "torex_core_sequence",
			Help: "Current global event sequence",
		}),

		MovementsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_movements_executed_total",
			Help: "Completed liquidity movements",
		}, []string{"torex"}),

		MovementsAborted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_movements_aborted_total",
			Help: "Aborted liquidity movements",
		}, []string{"torex", "reason"}),

		MovementInAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_movement_in_amount_total",
			Help: "In-asset handed to movers",
		}, []string{"torex"}),

		MovementOutAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_movement_out_amount_total",
			Help: "Out-asset received from movers",
		}, []string{"torex"}),

		BackAdjustments: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_back_adjustments_total",
			Help: "Back-adjustments applied on flow changes",
		}, []string{"torex", "direction"}),

		ControllerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_controller_errors_total",
			Help: "Contained controller failures",
		}, []string{"torex"}),

		ControllerStranded: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_controller_stranded_calls",
			Help: "Safe calls whose controller outlived its budget and is still running",
		}, []string{"torex"}),

		ActiveTraders: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_active_traders",
			Help: "Traders with open streams",
		}, []string{"torex"}),

		TotalGrossFlowRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_gross_flow_rate",
			Help: "Aggregate inbound flow rate, units per second",
		}, []string{"torex"}),

		VaultInBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_vault_in_balance",
			Help: "Settled, not-yet-moved in-asset",
		}, []string{"torex"}),

		FeeBufferBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_fee_buffer_balance",
			Help: "Reserved fee-distribution buffer",
		}, []string{"torex"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torex_ingest_to_apply_seconds",
			Help:    "Latency from ingestion to core apply",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torex_nats_pull_latency_seconds",
			Help:    "NATS message pull latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "torex_persist_batch_duration_seconds",
			Help:    "Time to persist one output batch",
			Buckets: latencyBuckets,
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_channel_size",
			Help: "Current channel occupancy",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "torex_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_projection_drops_total",
			Help: "Outputs dropped on the projection channel",
		}, []string{"projection"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "torex_persist_backpressure_total",
			Help: "Core stalls waiting on the persistence worker",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "torex_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_event_sequence_gap_total",
			Help: "Sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_event_out_of_order_total",
			Help: "Out-of-order events rejected",
		}, []string{"partition"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "torex_persist_events_written_total",
			Help: "Event envelopes written to storage",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "torex_persist_journals_written_total",
			Help: "Journal rows written to storage",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "torex_persist_last_sequence",
			Help: "Last sequence durably persisted",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "torex_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "torex_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "torex_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torex_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: latencyBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "torex_query_errors_total",
			Help: "Query API failures",
		}, []string{"endpoint", "error_type"}),
	}
}
