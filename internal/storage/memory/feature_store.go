package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

// FeatureStore is an in-memory implementation of storage.FeatureStore.
type FeatureStore struct {
	mu     sync.RWMutex
	data   map[domain.RecordKey]*domain.FeatureRecord
	writes int
	now    func() time.Time
}

// NewFeatureStore creates a new in-memory feature store.
func NewFeatureStore() *FeatureStore {
	return &FeatureStore{
		data: make(map[domain.RecordKey]*domain.FeatureRecord),
		now:  time.Now,
	}
}

// UpsertBatch merges all upserts atomically: either every record is applied or none.
func (s *FeatureStore) UpsertBatch(_ context.Context, upserts []*domain.PendingUpsert) (*storage.UpsertStats, error) {
	stats := &storage.UpsertStats{}
	if len(upserts) == 0 {
		return stats, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()

	// Stage merged copies first so a validation failure leaves data untouched
	staged := make(map[domain.RecordKey]*domain.FeatureRecord, len(upserts))
	changed := make(map[domain.RecordKey]bool, len(upserts))
	for _, u := range upserts {
		if u == nil || u.Record == nil || u.Record.Symbol == "" {
			return nil, fmt.Errorf("%w: %w", storage.ErrCommitFailure, storage.ErrInvalidInput)
		}
		key := u.Key()

		target, ok := staged[key]
		if !ok {
			if existing, exists := s.data[key]; exists {
				target = existing.Clone()
			} else {
				target = domain.NewFeatureRecord(key.Symbol, key.BucketMs)
				target.RecomputeCompleteness()
				changed[key] = true
			}
			staged[key] = target
		}

		if len(target.Merge(u.Record, u.Overwrite)) > 0 {
			target.LastUpdatedMs = nowMs
			changed[key] = true
		}
	}

	for key := range staged {
		_, existed := s.data[key]
		switch {
		case !existed:
			stats.Created++
		case changed[key]:
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}

	for key, rec := range staged {
		if changed[key] {
			if rec.LastUpdatedMs == 0 {
				rec.LastUpdatedMs = nowMs
			}
			s.data[key] = rec
		}
	}
	s.writes += stats.Created + stats.Updated

	return stats, nil
}

// Get retrieves a record by key. Returns ErrNotFound if not exists.
func (s *FeatureStore) Get(_ context.Context, symbol string, bucketMs int64) (*domain.FeatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[domain.RecordKey{Symbol: symbol, BucketMs: bucketMs}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

// GetRange retrieves records for a symbol within [start, end] (inclusive).
func (s *FeatureStore) GetRange(_ context.Context, symbol string, start, end int64) ([]*domain.FeatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeatureRecord
	for key, rec := range s.data {
		if key.Symbol == symbol && key.BucketMs >= start && key.BucketMs <= end {
			result = append(result, rec.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketMs < result[j].BucketMs
	})

	return result, nil
}

// Ping always succeeds.
func (s *FeatureStore) Ping(_ context.Context) error {
	return nil
}

// WriteCount returns the number of record creations and updates applied so far.
func (s *FeatureStore) WriteCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

var _ storage.FeatureStore = (*FeatureStore)(nil)
