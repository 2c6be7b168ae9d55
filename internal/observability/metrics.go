// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feature-materializer/internal/domain"
)

// Metrics holds all Prometheus metrics for the materializer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cycle metrics
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	SymbolsProcessed *prometheus.CounterVec
	SymbolsDeferred  *prometheus.CounterVec

	// Row and record metrics
	RowsRead       *prometheus.CounterVec
	RowsSkipped    *prometheus.CounterVec
	PartialWindows *prometheus.CounterVec
	RecordsWritten *prometheus.CounterVec
	BatchCommits   *prometheus.CounterVec
	CycleErrors    *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulCycle *prometheus.GaugeVec
}

// NewMetrics creates metrics registered with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates metrics registered with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "feature_materializer"
	}
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Total number of cycles by mode and status",
		}, []string{"mode", "status"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Cycle duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 240, 600},
		}, []string{"mode"}),
		SymbolsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "symbols_processed_total",
			Help:      "Total number of symbols processed",
		}, []string{"mode"}),
		SymbolsDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "symbols_deferred_total",
			Help:      "Total number of symbols deferred to the next cycle",
		}, []string{"mode"}),

		RowsRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "rows_read_total",
			Help:      "Total number of source rows read",
		}, []string{"mode"}),
		RowsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sources",
			Name:      "rows_skipped_total",
			Help:      "Total number of source rows skipped for unusable timestamps",
		}, []string{"mode"}),
		PartialWindows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "partial_windows_total",
			Help:      "Total number of buckets left without bands for lack of history",
		}, []string{"mode"}),
		RecordsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records_total",
			Help:      "Total number of upserted records by effect",
		}, []string{"mode", "effect"}),
		BatchCommits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "batch_commits_total",
			Help:      "Total number of committed batches",
		}, []string{"mode"}),
		CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Total number of errors by kind",
		}, []string{"mode", "kind"}),

		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"operation"}),

		LastSuccessfulCycle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of the last cycle that was not aborted",
		}, []string{"mode"}),
	}
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(s *domain.CycleSummary) {
	if m == nil || s == nil {
		return
	}
	mode := string(s.Mode)

	status := "success"
	if s.Aborted {
		status = "aborted"
	}
	m.CyclesTotal.WithLabelValues(mode, status).Inc()
	m.CycleDuration.WithLabelValues(mode).Observe(s.Duration.Seconds())
	m.SymbolsProcessed.WithLabelValues(mode).Add(float64(s.SymbolsProcessed))
	m.SymbolsDeferred.WithLabelValues(mode).Add(float64(len(s.SymbolsDeferred)))

	m.RowsRead.WithLabelValues(mode).Add(float64(s.RowsRead))
	m.RowsSkipped.WithLabelValues(mode).Add(float64(s.RowsSkipped))
	m.PartialWindows.WithLabelValues(mode).Add(float64(s.PartialWindows))
	m.RecordsWritten.WithLabelValues(mode, "created").Add(float64(s.RecordsCreated))
	m.RecordsWritten.WithLabelValues(mode, "updated").Add(float64(s.RecordsUpdated))
	m.RecordsWritten.WithLabelValues(mode, "skipped").Add(float64(s.RecordsSkipped))
	m.BatchCommits.WithLabelValues(mode).Add(float64(s.BatchCommits))
	for kind, n := range s.Errors {
		m.CycleErrors.WithLabelValues(mode, kind).Add(float64(n))
	}

	if !s.Aborted {
		m.LastSuccessfulCycle.WithLabelValues(mode).Set(float64(s.StartedAt.Add(s.Duration).Unix()))
	}
}

// ObserveDBQuery records database query metrics.
func (m *Metrics) ObserveDBQuery(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// Handler returns an HTTP handler for the /metrics endpoint of the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler exposing a specific registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
