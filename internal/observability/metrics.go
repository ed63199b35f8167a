package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for HedgeLedger.
type Metrics struct {
	// --- Core Processing ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	CoreSequence prometheus.Gauge

	// --- Book State ---
	TotalMargin     prometheus.Gauge
	TotalExposure   prometheus.Gauge
	FilledExposure  prometheus.Gauge
	ActivePositions prometheus.Gauge
	ActiveHedgers   prometheus.Gauge
	VaultBalance    prometheus.Gauge
	YieldPool       prometheus.Gauge

	// --- Oracle ---
	RateUpdates      prometheus.Counter
	RateStaleDropped prometheus.Counter
	RateGaps         prometheus.Counter
	CurrentRate      prometheus.Gauge

	// --- Liquidation ---
	LiquidationsCommitted prometheus.Counter
	LiquidationsExecuted  prometheus.Counter
	LiquidationsCancelled prometheus.Counter
	LiquidationsExpired   prometheus.Counter
	PendingCommitments    prometheus.Gauge

	// --- Rewards ---
	RewardsPaid     prometheus.Counter
	RewardsInterest prometheus.Counter
	RewardsYield    prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	FlowSequenceGap       prometheus.Counter
	FlowOutOfOrder        prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests prometheus.Counter
	QueryDuration prometheus.Histogram
	QueryErrors   prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ops_applied_total",
			Help: "Ledger operations successfully applied",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_ops_rejected_total",
			Help: "Ledger operations rejected (validation, state, invariant)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hedge_op_duration_seconds",
			Help:    "Time to apply a single ledger operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_core_sequence",
			Help: "Current audit log sequence number",
		}),

		TotalMargin: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_total_margin",
			Help: "Sum of margin across active positions (micro-USD)",
		}),

		TotalExposure: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_total_exposure",
			Help: "Sum of notional exposure across active positions (micro-USD)",
		}),

		FilledExposure: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_filled_exposure",
			Help: "Exposure currently matched against user flow (micro-USD)",
		}),

		ActivePositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_active_positions",
			Help: "Open position count",
		}),

		ActiveHedgers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_active_hedgers",
			Help: "Owners with at least one open position",
		}),

		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_vault_balance",
			Help: "Custody vault balance (micro-USD)",
		}),

		YieldPool: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_yield_pool",
			Help: "Claimable yield pool (micro-USD)",
		}),

		RateUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_rate_updates_total",
			Help: "Accepted EUR/USD rate updates",
		}),

		RateStaleDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_rate_stale_dropped_total",
			Help: "Rate updates ignored as stale",
		}),

		RateGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_rate_sequence_gaps_total",
			Help: "Rate sequence gaps observed (tolerated)",
		}),

		CurrentRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_current_rate",
			Help: "Latest accepted EUR/USD rate (18-decimal fixed point)",
		}),

		LiquidationsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_liquidations_committed_total",
			Help: "Liquidation commitments registered",
		}),

		LiquidationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_liquidations_executed_total",
			Help: "Liquidations executed after reveal",
		}),

		LiquidationsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_liquidations_cancelled_total",
			Help: "Commitments cancelled by their liquidator",
		}),

		LiquidationsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_liquidations_expired_total",
			Help: "Commitments cleared after expiry",
		}),

		PendingCommitments: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_pending_commitments",
			Help: "Live liquidation commitments",
		}),

		RewardsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_rewards_paid_total",
			Help: "Total rewards paid out (micro-USD)",
		}),

		RewardsInterest: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_rewards_interest_total",
			Help: "Interest differential component of rewards (micro-USD)",
		}),

		RewardsYield: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_rewards_yield_total",
			Help: "Yield pool component of rewards (micro-USD)",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		FlowSequenceGap: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_flow_sequence_gap_total",
			Help: "Flow source sequence gaps",
		}),

		FlowOutOfOrder: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_flow_out_of_order_total",
			Help: "Out-of-order flow rejections",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedge_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_projection_drops_total",
			Help: "Envelopes dropped due to full projection channel",
		}, []string{"projection"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_persist_events_written_total",
			Help: "Audit envelopes written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "hedge_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_replay_events_total",
			Help: "Audit envelopes replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "hedge_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_query_requests_total",
			Help: "Query requests",
		}),

		QueryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedge_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		QueryErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "hedge_query_errors_total",
			Help: "Query errors",
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
