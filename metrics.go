package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// --- Prometheus Metrics Definition ---

// Metrics contains all the Prometheus metrics for the keeper system.
// Encapsulating them in a struct keeps the main system struct clean and organized.
type Metrics struct {
	// --- Tier 1: Critical System Health & Liveness ---
	LastProcessedHead *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	// --- Tier 2: Performance & Bottleneck Identification ---
	TickDuration   *prometheus.HistogramVec
	ResyncDuration *prometheus.HistogramVec
	BatchSubmitDur *prometheus.HistogramVec

	// --- Tier 3: Data & State Integrity ---
	TrackedSubscriptions   *prometheus.GaugeVec
	BatchesSubmitted       *prometheus.CounterVec
	SubscriptionsProcessed *prometheus.CounterVec
}

// NewMetrics creates and registers all the Prometheus metrics for the system.
// It takes a prometheus.Registerer to allow for flexible registration (e.g., default vs. custom).
func NewMetrics(reg prometheus.Registerer, systemName string) *Metrics {
	return &Metrics{
		// --- Tier 1 Metrics ---
		LastProcessedHead: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "keeper_last_processed_head",
			Help:      "The head block number of the last change-notification range processed by the system.",
		}, []string{}),

		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "keeper_errors_total",
			Help:      "Total number of errors encountered by the system, labeled by error type.",
		}, []string{"type"}),

		// --- Tier 2 Metrics ---
		TickDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "keeper_tick_duration_seconds",
			Help:      "A histogram of the time one timed re-evaluation cycle takes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		ResyncDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "keeper_resync_duration_seconds",
			Help:      "A histogram of the time one event-driven re-synchronization cycle takes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		BatchSubmitDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "keeper_batch_submission_duration_seconds",
			Help:      "A histogram of the time one batch simulate-submit-confirm round trip takes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),

		// --- Tier 3 Metrics ---
		TrackedSubscriptions: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "keeper_tracked_subscriptions",
			Help:      "The number of subscriptions currently tracked, labeled by lifecycle stage.",
		}, []string{"stage"}),

		BatchesSubmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "keeper_batches_submitted_total",
			Help:      "A counter of batch transactions confirmed on-chain, labeled by outcome.",
		}, []string{"outcome"}),

		SubscriptionsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "keeper_subscriptions_processed_total",
			Help:      "A counter of subscription redemptions confirmed in successful batches.",
		}, []string{}),
	}
}
