// Package commit buffers pending upserts and applies them to the feature store.
//
// A flush commits the whole buffer in one transaction. Lock conflicts are
// retried with backoff; when retries run out the batch is split in half, each
// half is tried once, and a half that still conflicts is committed record by
// record. Records that conflict on their own are deferred to a later cycle.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/retry"
	"feature-materializer/internal/storage"
)

// Defaults for Options.
const (
	DefaultThreshold   = 1000
	DefaultTimeBudget  = 2 * time.Second
	DefaultMaxAttempts = 3
)

// Options for creating a Manager.
type Options struct {
	Threshold      int           // buffered upserts that trigger a flush
	TimeBudget     time.Duration // age of the oldest buffered upsert that triggers a flush
	MaxAttempts    int           // whole-batch attempts on lock conflict
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Now            func() time.Time
	Logger         *zap.Logger
}

// Manager serializes flushes per symbol and lets different symbols flush concurrently.
type Manager struct {
	store     storage.FeatureStore
	locks     *xsync.Map[string, *sync.Mutex]
	threshold int
	budget    time.Duration
	retryCfg  retry.Config
	now       func() time.Time
	logger    *zap.Logger
}

// NewManager creates a commit manager over a feature store.
func NewManager(store storage.FeatureStore, opts Options) *Manager {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = DefaultTimeBudget
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Manager{
		store:     store,
		locks:     xsync.NewMap[string, *sync.Mutex](),
		threshold: opts.Threshold,
		budget:    opts.TimeBudget,
		retryCfg: retry.Config{
			MaxRetries:    opts.MaxAttempts,
			InitialDelay:  opts.InitialBackoff,
			MaxDelay:      opts.MaxBackoff,
			Multiplier:    2,
			JitterEnabled: true,
			Retryable:     isLockError,
		},
		now:    opts.Now,
		logger: opts.Logger,
	}
}

func isLockError(err error) bool {
	return errors.Is(err, storage.ErrLockTimeout)
}

func (m *Manager) lock(symbol string) *sync.Mutex {
	mu, _ := m.locks.LoadOrCompute(symbol, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	return mu
}

// FlushResult reports what a batch committed.
type FlushResult struct {
	Committed []*domain.PendingUpsert
	Deferred  []*domain.PendingUpsert // still conflicting after isolation
	Failed    []*domain.PendingUpsert // rolled back on a non-lock failure
	Stats     storage.UpsertStats
	Batches   int // committed transactions
}

func (r *FlushResult) merge(other *FlushResult) {
	r.Committed = append(r.Committed, other.Committed...)
	r.Deferred = append(r.Deferred, other.Deferred...)
	r.Failed = append(r.Failed, other.Failed...)
	r.Stats.Add(&other.Stats)
	r.Batches += other.Batches
}

// Batch buffers upserts of one symbol for one caller.
// A Batch is not safe for concurrent use.
type Batch struct {
	m      *Manager
	symbol string
	items  []*domain.PendingUpsert
	first  time.Time
	total  FlushResult
	err    error
}

// Batch starts a buffer for one symbol.
func (m *Manager) Batch(symbol string) *Batch {
	return &Batch{m: m, symbol: symbol}
}

// Add buffers an upsert and flushes when the threshold or the time budget is reached.
// Returns the error of an automatic flush, if one ran and failed.
func (b *Batch) Add(ctx context.Context, u *domain.PendingUpsert) error {
	if u == nil {
		return nil
	}
	if u.Symbol() != b.symbol {
		return fmt.Errorf("%w: upsert for %s added to batch of %s", storage.ErrInvalidInput, u.Symbol(), b.symbol)
	}

	if len(b.items) == 0 {
		b.first = b.m.now()
	}
	u.State = domain.UpsertPending
	b.items = append(b.items, u)

	if len(b.items) >= b.m.threshold || b.m.now().Sub(b.first) >= b.m.budget {
		return b.flush(ctx)
	}
	return nil
}

// Len returns the number of buffered upserts.
func (b *Batch) Len() int {
	return len(b.items)
}

// Flush commits everything buffered and returns the totals of all flushes of
// this batch, together with the first non-lock error any of them hit.
func (b *Batch) Flush(ctx context.Context) (*FlushResult, error) {
	_ = b.flush(ctx)
	res := b.total
	return &res, b.err
}

func (b *Batch) flush(ctx context.Context) error {
	if len(b.items) == 0 {
		return nil
	}
	items := b.items
	b.items = nil

	mu := b.m.lock(b.symbol)
	mu.Lock()
	res, err := b.m.commit(ctx, b.symbol, items)
	mu.Unlock()

	b.total.merge(res)
	if err != nil && b.err == nil {
		b.err = err
	}
	return err
}

// commit applies items with retry, split and per-record isolation.
func (m *Manager) commit(ctx context.Context, symbol string, items []*domain.PendingUpsert) (*FlushResult, error) {
	res := &FlushResult{}

	var stats *storage.UpsertStats
	err := retry.WithBackoff(ctx, m.retryCfg, m.logger, "flush "+symbol, func() error {
		var err error
		stats, err = m.store.UpsertBatch(ctx, items)
		return err
	})
	if err == nil {
		res.committed(items, stats)
		return res, nil
	}
	if !isLockError(err) {
		res.failed(items)
		return res, err
	}

	m.logger.Warn("batch still conflicting after retries, splitting",
		zap.String("symbol", symbol),
		zap.Int("size", len(items)),
		zap.Error(err))

	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(items) == 1 {
		res.deferred(items)
		return res, nil
	}

	mid := len(items) / 2
	for _, half := range [][]*domain.PendingUpsert{items[:mid], items[mid:]} {
		if ctx.Err() != nil {
			res.deferred(half)
			continue
		}
		stats, err := m.store.UpsertBatch(ctx, half)
		switch {
		case err == nil:
			res.committed(half, stats)
		case isLockError(err):
			if err := m.isolate(ctx, symbol, half, res); err != nil {
				keep(err)
			}
		default:
			res.failed(half)
			keep(err)
		}
	}
	return res, firstErr
}

// isolate commits records one at a time so only the conflicting ones are deferred.
func (m *Manager) isolate(ctx context.Context, symbol string, items []*domain.PendingUpsert, res *FlushResult) error {
	var firstErr error
	for _, u := range items {
		if ctx.Err() != nil {
			res.deferred([]*domain.PendingUpsert{u})
			continue
		}
		one := []*domain.PendingUpsert{u}
		stats, err := m.store.UpsertBatch(ctx, one)
		switch {
		case err == nil:
			res.committed(one, stats)
		case isLockError(err):
			m.logger.Info("deferring contended record",
				zap.String("symbol", symbol),
				zap.Int64("bucket_ms", u.Record.BucketMs))
			res.deferred(one)
		default:
			res.failed(one)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *FlushResult) committed(items []*domain.PendingUpsert, stats *storage.UpsertStats) {
	for _, u := range items {
		u.State = domain.UpsertCommitted
	}
	r.Committed = append(r.Committed, items...)
	r.Stats.Add(stats)
	r.Batches++
}

func (r *FlushResult) deferred(items []*domain.PendingUpsert) {
	for _, u := range items {
		u.State = domain.UpsertDeferred
	}
	r.Deferred = append(r.Deferred, items...)
}

func (r *FlushResult) failed(items []*domain.PendingUpsert) {
	for _, u := range items {
		u.State = domain.UpsertFailed
	}
	r.Failed = append(r.Failed, items...)
}
