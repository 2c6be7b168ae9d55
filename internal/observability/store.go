package observability

import (
	"context"
	"errors"
	"time"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

// FeatureStore times every call of a wrapped storage.FeatureStore.
type FeatureStore struct {
	next    storage.FeatureStore
	metrics *Metrics
}

// InstrumentFeatureStore wraps store so its calls are recorded as DB queries.
// A nil m returns store unchanged.
func InstrumentFeatureStore(store storage.FeatureStore, m *Metrics) storage.FeatureStore {
	if m == nil {
		return store
	}
	return &FeatureStore{next: store, metrics: m}
}

// UpsertBatch implements storage.FeatureStore.
func (s *FeatureStore) UpsertBatch(ctx context.Context, upserts []*domain.PendingUpsert) (*storage.UpsertStats, error) {
	start := time.Now()
	stats, err := s.next.UpsertBatch(ctx, upserts)
	s.metrics.ObserveDBQuery("upsert_batch", time.Since(start), err)
	return stats, err
}

// Get implements storage.FeatureStore.
func (s *FeatureStore) Get(ctx context.Context, symbol string, bucketMs int64) (*domain.FeatureRecord, error) {
	start := time.Now()
	rec, err := s.next.Get(ctx, symbol, bucketMs)
	s.metrics.ObserveDBQuery("get_record", time.Since(start), ignoreNotFound(err))
	return rec, err
}

// GetRange implements storage.FeatureStore.
func (s *FeatureStore) GetRange(ctx context.Context, symbol string, start, end int64) ([]*domain.FeatureRecord, error) {
	began := time.Now()
	recs, err := s.next.GetRange(ctx, symbol, start, end)
	s.metrics.ObserveDBQuery("get_range", time.Since(began), err)
	return recs, err
}

// Ping implements storage.FeatureStore.
func (s *FeatureStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.next.Ping(ctx)
	s.metrics.ObserveDBQuery("ping", time.Since(start), err)
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

var _ storage.FeatureStore = (*FeatureStore)(nil)
