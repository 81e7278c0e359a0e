package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	distributionMetricsOnce sync.Once
	distributionRegistry    *DistributionMetrics

	lockMetricsOnce sync.Once
	lockRegistry    *LockMetrics
)

// SettlementMetrics wraps collectors tracking withdrawal settlement health.
type SettlementMetrics struct {
	settleLatency *prometheus.HistogramVec
	sweepOutcomes *prometheus.CounterVec
	requestsOpen  prometheus.Gauge
	unwithdrawn   *prometheus.GaugeVec
	errors        *prometheus.CounterVec
	pauseEngaged  prometheus.Gauge
}

// Settlement exposes the metrics registry for the settlement processor.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "affilnet",
				Subsystem: "settlementd",
				Name:      "settle_latency_seconds",
				Help:      "Latency distribution for completed on-chain settlements.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset"}),
			sweepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "settlementd",
				Name:      "sweep_outcomes_total",
				Help:      "Withdrawal request transitions observed per sweep, by resulting state.",
			}, []string{"state"}),
			requestsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "affilnet",
				Subsystem: "settlementd",
				Name:      "requests_open",
				Help:      "Withdrawal requests currently in a non-terminal state.",
			}),
			unwithdrawn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "affilnet",
				Subsystem: "settlementd",
				Name:      "unwithdrawn_balance_usd",
				Help:      "Aggregate unwithdrawn reward balance per asset in USD.",
			}, []string{"asset"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "settlementd",
				Name:      "errors_total",
				Help:      "Settlement failures segmented by asset and stage.",
			}, []string{"asset", "stage"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "affilnet",
				Subsystem: "settlementd",
				Name:      "pause_engaged",
				Help:      "Set to 1 while the processor is administratively paused.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.settleLatency,
			settlementRegistry.sweepOutcomes,
			settlementRegistry.requestsOpen,
			settlementRegistry.unwithdrawn,
			settlementRegistry.errors,
			settlementRegistry.pauseEngaged,
		)
	})
	return settlementRegistry
}

// ObserveSettleLatency records the elapsed wall time for a successful settlement.
func (m *SettlementMetrics) ObserveSettleLatency(asset string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.WithLabelValues(asset).Observe(elapsed.Seconds())
}

// RecordSweepOutcome counts a state transition produced by the sweep.
func (m *SettlementMetrics) RecordSweepOutcome(state string) {
	if m == nil {
		return
	}
	m.sweepOutcomes.WithLabelValues(state).Inc()
}

// SetOpenRequests updates the open-request gauge.
func (m *SettlementMetrics) SetOpenRequests(n int) {
	if m == nil {
		return
	}
	m.requestsOpen.Set(float64(n))
}

// SetUnwithdrawn updates the unwithdrawn balance gauge for an asset.
func (m *SettlementMetrics) SetUnwithdrawn(asset string, usd float64) {
	if m == nil {
		return
	}
	m.unwithdrawn.WithLabelValues(asset).Set(usd)
}

// RecordError counts a failure for the supplied asset and pipeline stage.
func (m *SettlementMetrics) RecordError(asset, stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(asset, stage).Inc()
}

// SetPaused flips the pause gauge.
func (m *SettlementMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// DistributionMetrics wraps collectors for commission and pool distribution runs.
type DistributionMetrics struct {
	runs        *prometheus.CounterVec
	distributed *prometheus.CounterVec
	mismatches  *prometheus.CounterVec
	runLatency  prometheus.Histogram
}

// Distribution exposes the metrics registry for reward distribution.
func Distribution() *DistributionMetrics {
	distributionMetricsOnce.Do(func() {
		distributionRegistry = &DistributionMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "distribution",
				Name:      "runs_total",
				Help:      "Distribution runs segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			distributed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "distribution",
				Name:      "amount_total",
				Help:      "Total reward amount distributed per kind.",
			}, []string{"kind"}),
			mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "distribution",
				Name:      "verification_mismatches_total",
				Help:      "Out-of-tolerance conservation check results per kind.",
			}, []string{"kind"}),
			runLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "affilnet",
				Subsystem: "distribution",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for full distribution runs.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			distributionRegistry.runs,
			distributionRegistry.distributed,
			distributionRegistry.mismatches,
			distributionRegistry.runLatency,
		)
	})
	return distributionRegistry
}

// RecordRun counts a distribution run with its outcome.
func (m *DistributionMetrics) RecordRun(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, outcome).Inc()
	m.runLatency.Observe(elapsed.Seconds())
}

// AddDistributed accumulates the amount paid out by a run.
func (m *DistributionMetrics) AddDistributed(kind string, amount float64) {
	if m == nil {
		return
	}
	m.distributed.WithLabelValues(kind).Add(amount)
}

// RecordMismatch counts a conservation check outside tolerance.
func (m *DistributionMetrics) RecordMismatch(kind string) {
	if m == nil {
		return
	}
	m.mismatches.WithLabelValues(kind).Inc()
}

// LockMetrics wraps collectors for the distributed lock layer.
type LockMetrics struct {
	acquisitions *prometheus.CounterVec
	contention   *prometheus.CounterVec
	holdTime     *prometheus.HistogramVec
}

// Locks exposes the metrics registry for the distributed lock layer.
func Locks() *LockMetrics {
	lockMetricsOnce.Do(func() {
		lockRegistry = &LockMetrics{
			acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "locks",
				Name:      "acquisitions_total",
				Help:      "Lock acquisitions segmented by key class and outcome.",
			}, []string{"class", "outcome"}),
			contention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "affilnet",
				Subsystem: "locks",
				Name:      "contention_total",
				Help:      "Acquisition attempts rejected because the lease was held.",
			}, []string{"class"}),
			holdTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "affilnet",
				Subsystem: "locks",
				Name:      "hold_seconds",
				Help:      "Lease hold time distribution per key class.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"class"}),
		}
		prometheus.MustRegister(
			lockRegistry.acquisitions,
			lockRegistry.contention,
			lockRegistry.holdTime,
		)
	})
	return lockRegistry
}

// RecordAcquisition counts an acquisition attempt outcome for a key class.
func (m *LockMetrics) RecordAcquisition(class, outcome string) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(class, outcome).Inc()
}

// RecordContention counts a busy rejection for a key class.
func (m *LockMetrics) RecordContention(class string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(class).Inc()
}

// ObserveHold records how long a lease was held before release.
func (m *LockMetrics) ObserveHold(class string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.holdTime.WithLabelValues(class).Observe(elapsed.Seconds())
}
