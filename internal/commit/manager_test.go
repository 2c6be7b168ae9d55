package commit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
	"feature-materializer/internal/storage/memory"
)

// contendedStore fails any batch touching a contended key with a lock timeout.
type contendedStore struct {
	*memory.FeatureStore

	mu        sync.Mutex
	contended map[domain.RecordKey]bool
	failNext  int   // lock timeouts to return before behaving normally
	hardErr   error // returned for every batch when set
	calls     int
}

func newContendedStore() *contendedStore {
	return &contendedStore{
		FeatureStore: memory.NewFeatureStore(),
		contended:    make(map[domain.RecordKey]bool),
	}
}

func (s *contendedStore) UpsertBatch(ctx context.Context, upserts []*domain.PendingUpsert) (*storage.UpsertStats, error) {
	s.mu.Lock()
	s.calls++
	if s.hardErr != nil {
		s.mu.Unlock()
		return nil, s.hardErr
	}
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return nil, storage.ErrLockTimeout
	}
	for _, u := range upserts {
		if s.contended[u.Key()] {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: row locked", storage.ErrLockTimeout)
		}
	}
	s.mu.Unlock()
	return s.FeatureStore.UpsertBatch(ctx, upserts)
}

func newUpsert(symbol string, bucket int64) *domain.PendingUpsert {
	u := domain.NewPendingUpsert(symbol, bucket)
	u.Record.Set("close", float64(bucket))
	return u
}

func testOptions(t *testing.T) Options {
	return Options{
		Threshold:      100,
		TimeBudget:     time.Hour,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	}
}

func TestBatch_FlushCommitsAll(t *testing.T) {
	store := newContendedStore()
	mgr := NewManager(store, testOptions(t))
	ctx := context.Background()

	b := mgr.Batch("BTC")
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.Add(ctx, newUpsert("BTC", i*1000)))
	}
	assert.Equal(t, 3, b.Len())

	res, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Committed, 3)
	assert.Equal(t, 3, res.Stats.Created)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 3, store.WriteCount())
	for _, u := range res.Committed {
		assert.Equal(t, domain.UpsertCommitted, u.State)
	}
}

func TestBatch_ThresholdTriggersFlush(t *testing.T) {
	store := newContendedStore()
	opts := testOptions(t)
	opts.Threshold = 2
	mgr := NewManager(store, opts)
	ctx := context.Background()

	b := mgr.Batch("BTC")
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 1000)))
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 2000)))
	assert.Zero(t, b.Len(), "threshold reached, buffer should be flushed")

	_, err := store.Get(ctx, "BTC", 2000)
	require.NoError(t, err)

	require.NoError(t, b.Add(ctx, newUpsert("BTC", 3000)))
	res, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Committed, 3)
	assert.Equal(t, 2, res.Batches)
}

func TestBatch_TimeBudgetTriggersFlush(t *testing.T) {
	store := newContendedStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := testOptions(t)
	opts.TimeBudget = 2 * time.Second
	opts.Now = func() time.Time { return now }
	mgr := NewManager(store, opts)
	ctx := context.Background()

	b := mgr.Batch("BTC")
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 1000)))
	assert.Equal(t, 1, b.Len())

	now = now.Add(3 * time.Second)
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 2000)))
	assert.Zero(t, b.Len())
	assert.Equal(t, 2, store.WriteCount())
}

func TestBatch_TransientLockIsRetried(t *testing.T) {
	store := newContendedStore()
	store.failNext = 2
	mgr := NewManager(store, testOptions(t))
	ctx := context.Background()

	b := mgr.Batch("BTC")
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 1000)))
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 2000)))

	res, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Committed, 2)
	assert.Empty(t, res.Deferred)
	assert.Equal(t, 3, store.calls)
}

func TestBatch_ContendedRecordIsIsolatedAndDeferred(t *testing.T) {
	store := newContendedStore()
	store.contended[domain.RecordKey{Symbol: "BTC", BucketMs: 3000}] = true
	mgr := NewManager(store, testOptions(t))
	ctx := context.Background()

	b := mgr.Batch("BTC")
	var ups []*domain.PendingUpsert
	for i := int64(1); i <= 4; i++ {
		u := newUpsert("BTC", i*1000)
		ups = append(ups, u)
		require.NoError(t, b.Add(ctx, u))
	}

	res, err := b.Flush(ctx)
	require.NoError(t, err, "lock conflicts defer records, they are not errors")
	assert.Len(t, res.Committed, 3)
	require.Len(t, res.Deferred, 1)
	assert.Equal(t, int64(3000), res.Deferred[0].Record.BucketMs)

	assert.Equal(t, domain.UpsertCommitted, ups[0].State)
	assert.Equal(t, domain.UpsertCommitted, ups[1].State)
	assert.Equal(t, domain.UpsertDeferred, ups[2].State)
	assert.Equal(t, domain.UpsertCommitted, ups[3].State)

	// 3 whole-batch attempts, 2 halves, 2 single records of the conflicting half
	assert.Equal(t, 7, store.calls)

	_, err = store.Get(ctx, "BTC", 3000)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, "BTC", 4000)
	assert.NoError(t, err)
}

func TestBatch_CommitFailureRollsBack(t *testing.T) {
	store := newContendedStore()
	store.hardErr = fmt.Errorf("%w: disk full", storage.ErrCommitFailure)
	mgr := NewManager(store, testOptions(t))
	ctx := context.Background()

	b := mgr.Batch("BTC")
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 1000)))
	require.NoError(t, b.Add(ctx, newUpsert("BTC", 2000)))

	res, err := b.Flush(ctx)
	require.ErrorIs(t, err, storage.ErrCommitFailure)
	assert.Empty(t, res.Committed)
	assert.Len(t, res.Failed, 2)
	assert.Equal(t, 1, store.calls, "non-lock failures are not retried")
	assert.Zero(t, store.WriteCount())
}

func TestBatch_RejectsOtherSymbol(t *testing.T) {
	mgr := NewManager(newContendedStore(), testOptions(t))

	err := mgr.Batch("BTC").Add(context.Background(), newUpsert("ETH", 1000))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestManager_SymbolsFlushIndependently(t *testing.T) {
	store := newContendedStore()
	mgr := NewManager(store, testOptions(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, sym := range []string{"BTC", "ETH", "SOL", "ADA"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			b := mgr.Batch(sym)
			for i := int64(1); i <= 10; i++ {
				_ = b.Add(ctx, newUpsert(sym, i*1000))
			}
			_, _ = b.Flush(ctx)
		}(sym)
	}
	wg.Wait()

	for _, sym := range []string{"BTC", "ETH", "SOL", "ADA"} {
		recs, err := store.GetRange(ctx, sym, 0, 20000)
		require.NoError(t, err)
		assert.Len(t, recs, 10, sym)
	}
}
