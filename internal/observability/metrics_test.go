package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feature-materializer/internal/domain"
)

// value reads the current value of a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestObserveCycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, "test")

	s := domain.NewCycleSummary("abc", domain.ModeIncremental, time.Unix(1700000000, 0))
	s.Duration = 3 * time.Second
	s.SymbolsProcessed = 4
	s.SymbolsDeferred = []string{"BTC"}
	s.RecordsCreated = 10
	s.RecordsUpdated = 2
	s.AddError(domain.ErrorKindLockTimeout, 1)

	m.ObserveCycle(s)

	assert.Equal(t, 1.0, value(t, m.CyclesTotal.WithLabelValues("incremental", "success")))
	assert.Equal(t, 4.0, value(t, m.SymbolsProcessed.WithLabelValues("incremental")))
	assert.Equal(t, 1.0, value(t, m.SymbolsDeferred.WithLabelValues("incremental")))
	assert.Equal(t, 10.0, value(t, m.RecordsWritten.WithLabelValues("incremental", "created")))
	assert.Equal(t, 1.0, value(t, m.CycleErrors.WithLabelValues("incremental", "lock_timeout")))
	assert.Equal(t, 1700000003.0, value(t, m.LastSuccessfulCycle.WithLabelValues("incremental")))
}

func TestObserveDBQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, "test")

	m.ObserveDBQuery("upsert_batch", 10*time.Millisecond, nil)
	m.ObserveDBQuery("upsert_batch", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, value(t, m.DBQueryErrors.WithLabelValues("upsert_batch")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(domain.NewCycleSummary("x", domain.ModeBackfill, time.Now()))
	m.ObserveDBQuery("get", time.Millisecond, nil)
}
