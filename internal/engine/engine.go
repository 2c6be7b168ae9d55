// Package engine runs incremental materialization cycles.
//
// A cycle discovers symbols, processes each one on a bounded worker pool,
// commits the resulting upserts and advances source cursors for exactly the
// rows that were committed. Contended symbols are deferred to the next cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"feature-materializer/internal/arbiter"
	"feature-materializer/internal/commit"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/idhash"
	"feature-materializer/internal/notify"
	"feature-materializer/internal/observability"
	"feature-materializer/internal/processor"
	"feature-materializer/internal/storage"
)

// Defaults for Options.
const (
	DefaultWorkers        = 8
	DefaultSoftDeadline   = 4 * time.Minute
	DefaultAlertThreshold = 3
)

// ErrCycleInProgress is returned when a cycle or correction is requested while another one runs.
var ErrCycleInProgress = errors.New("cycle already in progress")

// Options for creating an Engine.
type Options struct {
	Processor *processor.Processor
	Commits   *commit.Manager
	Arbiter   *arbiter.Arbiter
	Features  storage.FeatureStore
	Cursors   storage.CursorStore

	Workers        int
	SoftDeadline   time.Duration
	AlertThreshold int // consecutive failing cycles before an alert is logged

	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Publisher notify.Publisher
}

// Engine coordinates incremental cycles.
type Engine struct {
	processor *processor.Processor
	commits   *commit.Manager
	arbiter   *arbiter.Arbiter
	features  storage.FeatureStore
	cursors   storage.CursorStore

	workers        int
	softDeadline   time.Duration
	alertThreshold int

	now       func() time.Time
	logger    *zap.Logger
	metrics   *observability.Metrics
	publisher notify.Publisher

	running  atomic.Bool
	last     atomic.Pointer[domain.CycleSummary]
	failures *xsync.Map[string, int]
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SoftDeadline <= 0 {
		opts.SoftDeadline = DefaultSoftDeadline
	}
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = DefaultAlertThreshold
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
	if opts.Arbiter == nil {
		opts.Arbiter = arbiter.New(arbiter.Options{Logger: opts.Logger})
	}
	if opts.Commits == nil {
		opts.Commits = commit.NewManager(opts.Features, commit.Options{Logger: opts.Logger})
	}

	return &Engine{
		processor:      opts.Processor,
		commits:        opts.Commits,
		arbiter:        opts.Arbiter,
		features:       opts.Features,
		cursors:        opts.Cursors,
		workers:        opts.Workers,
		softDeadline:   opts.SoftDeadline,
		alertThreshold: opts.AlertThreshold,
		now:            opts.Now,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		publisher:      opts.Publisher,
		failures:       xsync.NewMap[string, int](),
	}
}

// Request filters a cycle. Empty Symbols means every known symbol. A non-zero
// To stops the cycle at the bucket holding To; later rows stay after the
// cursors. A cycle always starts at the cursors, so there is no lower bound.
type Request struct {
	Symbols []string
	To      time.Time
}

// LastSummary returns the summary of the last finished cycle, or nil.
func (e *Engine) LastSummary() *domain.CycleSummary {
	return e.last.Load()
}

// Running reports whether a cycle or correction is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Deferred lists symbols waiting for the next cycle.
func (e *Engine) Deferred() []arbiter.Deferral {
	return e.arbiter.Deferred()
}

// RunCycle runs one incremental cycle.
// Per-row and per-symbol problems are reported in the summary only. An error
// is returned when the cycle could not run at all, was aborted because the
// feature or cursor store became unavailable, or ctx was cancelled.
func (e *Engine) RunCycle(ctx context.Context, req Request) (*domain.CycleSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer e.running.Store(false)

	started := e.now()
	summary := domain.NewCycleSummary(
		idhash.CycleID(domain.ModeIncremental, started.UnixMilli(), req.Symbols),
		domain.ModeIncremental,
		started,
	)
	logger := e.logger.With(zap.String("cycle_id", summary.CycleID))

	err := e.runCycle(ctx, logger, req, summary)

	summary.Duration = e.now().Sub(started)
	sort.Strings(summary.SymbolsDeferred)
	sort.Strings(summary.SymbolsFailed)
	e.finish(ctx, logger, summary)
	return summary, err
}

func (e *Engine) runCycle(ctx context.Context, logger *zap.Logger, req Request, summary *domain.CycleSummary) error {
	if err := e.features.Ping(ctx); err != nil {
		summary.Aborted = true
		summary.AddError(domain.ErrorKindStoreUnavailable, 1)
		logger.Error("feature store unavailable, aborting cycle", zap.Error(err))
		return fmt.Errorf("cycle %s: %w", summary.CycleID, err)
	}

	retried := e.arbiter.TakeDeferred()
	if len(retried) > 0 {
		logger.Info("retrying symbols deferred by the previous cycle", zap.Strings("symbols", retried))
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = e.discover(ctx, logger, summary)
	}
	symbols = prioritize(symbols, retried, len(req.Symbols) == 0)

	var untilMs int64
	if !req.To.IsZero() {
		untilMs = req.To.UnixMilli()
	}

	logger.Info("cycle started", zap.Int("symbols", len(symbols)))

	deadline := summary.StartedAt.Add(e.softDeadline)
	var (
		mu        sync.Mutex
		storeDown atomic.Bool
		downErr   error
	)

	pool := pond.NewPool(e.workers)
	defer pool.StopAndWait()
	group := pool.NewGroup()

	for _, symbol := range symbols {
		group.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			if storeDown.Load() {
				e.deferNotStarted(&mu, summary, symbol, "store unavailable")
				return
			}
			if e.now().After(deadline) {
				e.deferNotStarted(&mu, summary, symbol, "soft deadline passed")
				return
			}

			sr := e.processSymbol(ctx, symbol, untilMs)

			mu.Lock()
			defer mu.Unlock()
			e.record(logger, summary, sr)
			if errors.Is(sr.err, storage.ErrStoreUnavailable) && !storeDown.Swap(true) {
				downErr = sr.err
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		logger.Warn("worker group error", zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		summary.Aborted = true
		return fmt.Errorf("cycle %s cancelled: %w", summary.CycleID, err)
	}
	if downErr != nil {
		summary.Aborted = true
		logger.Error("store unavailable, cycle aborted early", zap.Error(downErr))
		return fmt.Errorf("cycle %s aborted: %w", summary.CycleID, downErr)
	}
	return nil
}

// discover returns the union of symbols known to the enabled sources.
func (e *Engine) discover(ctx context.Context, logger *zap.Logger, summary *domain.CycleSummary) []string {
	seen := make(map[string]struct{})
	for _, r := range e.processor.Readers() {
		syms, err := r.Symbols(ctx)
		if err != nil {
			summary.AddError(domain.ErrorKindSourceUnavailable, 1)
			logger.Warn("listing symbols failed",
				zap.String("source", r.Source().String()),
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

// prioritize puts symbols deferred by the previous cycle first and lists each
// symbol once. When the cycle covers all symbols, deferred ones are included
// even if discovery missed them.
func prioritize(symbols, retried []string, all bool) []string {
	symbols = domain.UniqueSymbols(symbols)
	requested := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		requested[s] = struct{}{}
	}

	out := make([]string, 0, len(symbols)+len(retried))
	first := make(map[string]struct{}, len(retried))
	for _, s := range domain.UniqueSymbols(retried) {
		if _, ok := requested[s]; ok || all {
			out = append(out, s)
			first[s] = struct{}{}
		}
	}
	for _, s := range symbols {
		if _, ok := first[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) deferNotStarted(mu *sync.Mutex, summary *domain.CycleSummary, symbol, reason string) {
	e.arbiter.Defer(symbol, reason)
	mu.Lock()
	summary.SymbolsDeferred = append(summary.SymbolsDeferred, symbol)
	mu.Unlock()
}

func (e *Engine) finish(ctx context.Context, logger *zap.Logger, summary *domain.CycleSummary) {
	if summary.Mode == domain.ModeIncremental {
		e.last.Store(summary)
	}
	e.metrics.ObserveCycle(summary)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e.publisher.PublishCycle(pubCtx, summary)

	logger.Info("cycle finished",
		zap.String("mode", string(summary.Mode)),
		zap.Int("symbols_processed", summary.SymbolsProcessed),
		zap.Int("symbols_deferred", len(summary.SymbolsDeferred)),
		zap.Int("rows_enriched", summary.RowsEnriched),
		zap.Int("records_created", summary.RecordsCreated),
		zap.Int("records_updated", summary.RecordsUpdated),
		zap.Int("records_skipped", summary.RecordsSkipped),
		zap.Int("batch_commits", summary.BatchCommits),
		zap.Any("errors", summary.Errors),
		zap.Bool("aborted", summary.Aborted),
		zap.Duration("duration", summary.Duration))
}
