package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
	"feature-materializer/internal/storage/memory"
)

func TestInstrumentFeatureStore(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")
	inner := memory.NewFeatureStore()
	store := InstrumentFeatureStore(inner, m)
	ctx := context.Background()

	u := domain.NewPendingUpsert("BTC", 1000)
	u.Record.Set("close", 1)
	stats, err := store.UpsertBatch(ctx, []*domain.PendingUpsert{u})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	_, err = store.Get(ctx, "BTC", 2000)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.UpsertBatch(ctx, []*domain.PendingUpsert{nil})
	assert.Error(t, err)

	assert.Equal(t, 1.0, value(t, m.DBQueryErrors.WithLabelValues("upsert_batch")))
	assert.Zero(t, value(t, m.DBQueryErrors.WithLabelValues("get_record")), "a miss is not a query error")
	assert.Equal(t, 1, inner.WriteCount())
}

func TestInstrumentFeatureStore_NilMetrics(t *testing.T) {
	inner := memory.NewFeatureStore()
	assert.Same(t, storage.FeatureStore(inner), InstrumentFeatureStore(inner, nil))
}
