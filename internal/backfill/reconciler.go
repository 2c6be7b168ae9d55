// Package backfill reconciles materialized records with late-arriving source data.
//
// The reconciler walks a time range in bucket-aligned chunks, re-reads every
// source for each chunk and fills fields that are still null. It never
// replaces a stored value and never touches source cursors, so it can run
// alongside the live cycle.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"feature-materializer/internal/commit"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/idhash"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/notify"
	"feature-materializer/internal/observability"
	"feature-materializer/internal/processor"
	"feature-materializer/internal/storage"
)

// Defaults for Options.
const (
	DefaultWorkers       = 2
	DefaultChunk         = 24 * time.Hour
	DefaultLookback      = 7 * 24 * time.Hour
	DefaultSymbolTimeout = 30 * time.Second
)

// ErrBackfillInProgress is returned when a run is requested while another one is active.
var ErrBackfillInProgress = errors.New("backfill already in progress")

// Options for creating a Reconciler.
type Options struct {
	Processor *processor.Processor
	Commits   *commit.Manager
	Features  storage.FeatureStore

	Workers       int
	Chunk         time.Duration // rounded up to a whole number of buckets
	Lookback      time.Duration // range used when a request has no From
	SymbolTimeout time.Duration // bound on one chunk of one symbol

	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Publisher notify.Publisher
}

// Reconciler fills null fields from source rows that arrived after the live
// cycle passed their timestamps.
type Reconciler struct {
	processor *processor.Processor
	commits   *commit.Manager
	features  storage.FeatureStore

	workers       int
	chunk         int64
	lookback      time.Duration
	symbolTimeout time.Duration

	now       func() time.Time
	logger    *zap.Logger
	metrics   *observability.Metrics
	publisher notify.Publisher

	running atomic.Bool
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Chunk <= 0 {
		opts.Chunk = DefaultChunk
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.SymbolTimeout <= 0 {
		opts.SymbolTimeout = DefaultSymbolTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Nop{}
	}
	if opts.Commits == nil {
		opts.Commits = commit.NewManager(opts.Features, commit.Options{Logger: opts.Logger})
	}

	width := opts.Processor.Granularity().Millis()
	chunk := opts.Chunk.Milliseconds()
	if rem := chunk % width; rem != 0 || chunk == 0 {
		chunk += width - rem
	}

	return &Reconciler{
		processor:     opts.Processor,
		commits:       opts.Commits,
		features:      opts.Features,
		workers:       opts.Workers,
		chunk:         chunk,
		lookback:      opts.Lookback,
		symbolTimeout: opts.SymbolTimeout,
		now:           opts.Now,
		logger:        opts.Logger.With(zap.String("component", "backfill")),
		metrics:       opts.Metrics,
		publisher:     opts.Publisher,
	}
}

// Request selects what to reconcile. Empty Symbols means every known symbol.
// Zero From means now minus the configured lookback. To is exclusive; zero
// means up to the open bucket, which is never reconciled.
type Request struct {
	Symbols []string
	From    time.Time
	To      time.Time
}

// Running reports whether a run is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Run reconciles the requested range. Chunk and symbol problems are counted in
// the summary; an error is returned only for invalid requests, cancellation,
// or when the feature store is unreachable.
func (r *Reconciler) Run(ctx context.Context, req Request) (*domain.CycleSummary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrBackfillInProgress
	}
	defer r.running.Store(false)

	started := r.now()
	from, to, err := r.bounds(req, started)
	if err != nil {
		return nil, err
	}

	idParts := append(append([]string(nil), req.Symbols...),
		fmt.Sprintf("from=%d", from), fmt.Sprintf("to=%d", to))
	summary := domain.NewCycleSummary(
		idhash.CycleID(domain.ModeBackfill, started.UnixMilli(), idParts),
		domain.ModeBackfill,
		started,
	)
	logger := r.logger.With(zap.String("cycle_id", summary.CycleID))

	err = r.run(ctx, logger, req, from, to, summary)

	summary.Duration = r.now().Sub(started)
	sort.Strings(summary.SymbolsDeferred)
	sort.Strings(summary.SymbolsFailed)
	r.finish(ctx, logger, summary)
	return summary, err
}

// bounds resolves the request into a bucket-aligned [from, to) range that
// stops before the open bucket.
func (r *Reconciler) bounds(req Request, now time.Time) (int64, int64, error) {
	g := r.processor.Granularity()
	open := normalization.Bucket(now.UnixMilli(), g)

	from := now.Add(-r.lookback)
	if !req.From.IsZero() {
		from = req.From
	}
	fromMs := normalization.Bucket(from.UnixMilli(), g)

	toMs := open
	if !req.To.IsZero() {
		// Round up so a partial trailing bucket is covered
		toMs = normalization.Bucket(req.To.UnixMilli()-1, g) + g.Millis()
		if toMs > open {
			toMs = open
		}
	}

	if toMs <= fromMs {
		return 0, 0, fmt.Errorf("%w: empty backfill range [%s, %s)", storage.ErrInvalidInput,
			time.UnixMilli(fromMs).UTC().Format(time.RFC3339), time.UnixMilli(toMs).UTC().Format(time.RFC3339))
	}
	return fromMs, toMs, nil
}

func (r *Reconciler) run(ctx context.Context, logger *zap.Logger, req Request, from, to int64, summary *domain.CycleSummary) error {
	if err := r.features.Ping(ctx); err != nil {
		summary.Aborted = true
		summary.AddError(domain.ErrorKindStoreUnavailable, 1)
		logger.Error("feature store unavailable, skipping backfill", zap.Error(err))
		return fmt.Errorf("backfill %s: %w", summary.CycleID, err)
	}

	symbols := domain.UniqueSymbols(req.Symbols)
	if len(symbols) == 0 {
		symbols = r.discover(ctx, logger, summary)
	}

	logger.Info("backfill started",
		zap.Int("symbols", len(symbols)),
		zap.Int64("from_ms", from),
		zap.Int64("to_ms", to))

	var (
		mu        sync.Mutex
		storeDown atomic.Bool
		downErr   error
	)

	pool := pond.NewPool(r.workers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	for _, symbol := range symbols {
		group.Submit(func() {
			if ctx.Err() != nil || storeDown.Load() {
				return
			}

			st := r.reconcileSymbol(ctx, logger, symbol, from, to)

			mu.Lock()
			defer mu.Unlock()
			st.fold(summary)
			if errors.Is(st.err, storage.ErrStoreUnavailable) && !storeDown.Swap(true) {
				downErr = st.err
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("worker group error", zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		summary.Aborted = true
		return fmt.Errorf("backfill %s cancelled: %w", summary.CycleID, err)
	}
	if downErr != nil {
		summary.Aborted = true
		return fmt.Errorf("backfill %s aborted: %w", summary.CycleID, downErr)
	}
	return nil
}

func (r *Reconciler) discover(ctx context.Context, logger *zap.Logger, summary *domain.CycleSummary) []string {
	seen := make(map[string]struct{})
	for _, reader := range r.processor.Readers() {
		syms, err := reader.Symbols(ctx)
		if err != nil {
			summary.AddError(domain.ErrorKindSourceUnavailable, 1)
			logger.Warn("listing symbols failed",
				zap.String("source", reader.Source().String()),
				zap.Error(err))
			continue
		}
		for _, s := range syms {
			seen[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) finish(ctx context.Context, logger *zap.Logger, summary *domain.CycleSummary) {
	r.metrics.ObserveCycle(summary)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	r.publisher.PublishCycle(pubCtx, summary)

	logger.Info("backfill finished",
		zap.Int("symbols_processed", summary.SymbolsProcessed),
		zap.Int("rows_read", summary.RowsRead),
		zap.Int("records_created", summary.RecordsCreated),
		zap.Int("records_updated", summary.RecordsUpdated),
		zap.Int("records_skipped", summary.RecordsSkipped),
		zap.Any("errors", summary.Errors),
		zap.Bool("aborted", summary.Aborted),
		zap.Duration("duration", summary.Duration))
}
