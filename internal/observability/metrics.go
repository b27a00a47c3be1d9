// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the strategy lab.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Backtest metrics
	BacktestsRun     *prometheus.CounterVec
	BacktestDuration *prometheus.HistogramVec
	TradesSimulated  prometheus.Counter
	BreakerBlocks    prometheus.Counter

	// Data metrics
	DataIssues      *prometheus.CounterVec
	FatalDataErrors prometheus.Counter

	// Registry metrics
	RegistrySaves      *prometheus.CounterVec
	RegistryFallbacks  prometheus.Counter
	DuplicatesSkipped  prometheus.Counter
	RegistryStrategies prometheus.Gauge

	// Discovery metrics
	DiscoveryRuns      *prometheus.CounterVec
	BestCompositeScore prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stratlab"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		BacktestsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of strategy tests by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		BacktestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "duration_seconds",
			Help:      "Duration of a single strategy test",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"strategy"}),
		TradesSimulated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trades_simulated_total",
			Help:      "Total number of simulated trades (entries and exits)",
		}),
		BreakerBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "breaker_blocks_total",
			Help:      "Entries refused by the drawdown circuit breaker",
		}),

		DataIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "issues_total",
			Help:      "Data validation findings by type",
		}, []string{"type"}),
		FatalDataErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "fatal_errors_total",
			Help:      "Tests aborted by a fatal data error",
		}),

		RegistrySaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "saves_total",
			Help:      "Registry save attempts by result",
		}, []string{"result"}),
		RegistryFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "fallbacks_total",
			Help:      "Times the persistent registry was unavailable and memory was used",
		}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "duplicates_skipped_total",
			Help:      "Generated configurations skipped because they were already tested",
		}),
		RegistryStrategies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "strategies",
			Help:      "Number of strategies stored in the registry",
		}),

		DiscoveryRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "runs_total",
			Help:      "Discovery runs by strategy and status",
		}, []string{"strategy", "status"}),
		BestCompositeScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "best_composite_score",
			Help:      "Best composite score seen by the latest discovery run",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordBacktest records one completed or failed strategy test
func (m *Metrics) RecordBacktest(strategy, outcome string, seconds float64, trades, breakerBlocks int) {
	if m == nil {
		return
	}
	m.BacktestsRun.WithLabelValues(strategy, outcome).Inc()
	m.BacktestDuration.WithLabelValues(strategy).Observe(seconds)
	m.TradesSimulated.Add(float64(trades))
	m.BreakerBlocks.Add(float64(breakerBlocks))
}

// RecordDataIssue records one validation finding
func (m *Metrics) RecordDataIssue(issueType string) {
	if m == nil {
		return
	}
	m.DataIssues.WithLabelValues(issueType).Inc()
}

// RecordFatalDataError records a test aborted by bad data
func (m *Metrics) RecordFatalDataError() {
	if m == nil {
		return
	}
	m.FatalDataErrors.Inc()
}

// RecordRegistrySave records a save as "inserted", "updated", "duplicate" or "error"
func (m *Metrics) RecordRegistrySave(result string) {
	if m == nil {
		return
	}
	m.RegistrySaves.WithLabelValues(result).Inc()
}

// RecordRegistryFallback records a switch to the in-memory registry
func (m *Metrics) RecordRegistryFallback() {
	if m == nil {
		return
	}
	m.RegistryFallbacks.Inc()
}

// RecordDuplicateSkipped records a generated configuration that was already tested
func (m *Metrics) RecordDuplicateSkipped() {
	if m == nil {
		return
	}
	m.DuplicatesSkipped.Inc()
}

// SetRegistrySize updates the stored strategy gauge
func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.RegistryStrategies.Set(float64(n))
}

// RecordDiscoveryRun records the end of a discovery run
func (m *Metrics) RecordDiscoveryRun(strategy, status string, bestScore float64) {
	if m == nil {
		return
	}
	m.DiscoveryRuns.WithLabelValues(strategy, status).Inc()
	m.BestCompositeScore.Set(bestScore)
}
