// Package metrics holds the Prometheus collectors and the pipeline health
// state exposed by the API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Metrics groups every collector Kestrel exports.
type Metrics struct {
	registry *prometheus.Registry

	BlocksProcessed    prometheus.Counter
	RecordsSkipped     prometheus.Counter
	Signals            *prometheus.CounterVec
	RiskComputations   *prometheus.CounterVec
	AlertsTriggered    *prometheus.CounterVec
	DispatchAttempts   *prometheus.CounterVec
	DeadLetters        prometheus.Counter
	ClusteringFailures prometheus.Counter
	FeedRetries        prometheus.Counter
	EpochsResolved     prometheus.Counter

	QueueDepth *prometheus.GaugeVec
	Entities   prometheus.Gauge
	Healthy    prometheus.Gauge

	BlockDuration prometheus.Histogram
}

// New creates collectors registered on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks fully processed",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Total number of malformed transactions skipped",
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mev_signals_total",
			Help:      "Total number of MEV signals emitted",
		}, []string{"type"}),
		RiskComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_computations_total",
			Help:      "Total number of risk score versions computed",
		}, []string{"method"}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_triggered_total",
			Help:      "Total number of alerts triggered",
		}, []string{"rule_id", "priority"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Total number of alert delivery attempts",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Total number of alerts moved to the dead-letter set",
		}),
		ClusteringFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clustering_failures_total",
			Help:      "Total number of entity resolution passes that fell back to the previous partition",
		}),
		FeedRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_retries_total",
			Help:      "Total number of transient feed failures retried",
		}),
		EpochsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_resolved_total",
			Help:      "Total number of epochs passed through entity resolution",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of each pipeline queue",
		}, []string{"queue"}),
		Entities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Current number of resolved entities",
		}),
		Healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_healthy",
			Help:      "Pipeline health (1=running, 0=halted)",
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_duration_seconds",
			Help:      "Time to process one block",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.BlocksProcessed, m.RecordsSkipped, m.Signals, m.RiskComputations,
		m.AlertsTriggered, m.DispatchAttempts, m.DeadLetters, m.ClusteringFailures,
		m.FeedRetries, m.EpochsResolved, m.QueueDepth, m.Entities, m.Healthy,
		m.BlockDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m.Healthy.Set(1)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveReceipt counts one delivery attempt.
func (m *Metrics) ObserveReceipt(r domain.DeliveryReceipt) {
	outcome := "failed"
	if r.Delivered {
		outcome = "delivered"
	}
	m.DispatchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveDeadLetter counts one dead-lettered alert.
func (m *Metrics) ObserveDeadLetter(*domain.DeadLetter) {
	m.DeadLetters.Inc()
}

// ObserveFeedRetry counts one transient feed failure.
func (m *Metrics) ObserveFeedRetry(error, time.Duration) {
	m.FeedRetries.Inc()
}
