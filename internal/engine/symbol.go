package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"feature-materializer/internal/arbiter"
	"feature-materializer/internal/commit"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/processor"
	"feature-materializer/internal/storage"
)

// symbolResult is the outcome of one symbol's unit of work.
type symbolResult struct {
	symbol   string
	outcome  arbiter.Outcome
	proc     *processor.Result
	flush    *commit.FlushResult
	advanced map[domain.Source]int64
	err      error
}

// processSymbol reads, joins, commits and advances cursors for one symbol
// under the arbiter's per-attempt timeout. Non-zero untilMs bounds the buckets read.
func (e *Engine) processSymbol(ctx context.Context, symbol string, untilMs int64) *symbolResult {
	sr := &symbolResult{symbol: symbol, advanced: make(map[domain.Source]int64)}

	sr.outcome, sr.err = e.arbiter.Run(ctx, symbol, func(ctx context.Context) error {
		cursors, err := e.cursors.GetOutstanding(ctx, symbol)
		if err != nil {
			return fmt.Errorf("load cursors: %w", err)
		}

		res, err := e.processor.ProcessUntil(ctx, symbol, cursors, untilMs)
		if err != nil {
			return fmt.Errorf("process: %w", err)
		}
		sr.proc = res

		flush, flushErr := e.commitAll(ctx, symbol, res.Upserts)
		sr.flush = flush

		// Committed rows advance their cursors even when other records failed
		if err := e.advance(ctx, symbol, cursors, res, sr.advanced); err != nil {
			return err
		}

		if flushErr != nil {
			return flushErr
		}
		if n := len(flush.Deferred); n > 0 {
			return fmt.Errorf("%d records still contended: %w", n, storage.ErrLockTimeout)
		}
		return nil
	})
	return sr
}

// commitAll hands upserts to a commit batch and flushes it.
func (e *Engine) commitAll(ctx context.Context, symbol string, upserts []*domain.PendingUpsert) (*commit.FlushResult, error) {
	batch := e.commits.Batch(symbol)
	for _, u := range upserts {
		if err := batch.Add(ctx, u); errors.Is(err, storage.ErrStoreUnavailable) {
			break
		}
	}
	return batch.Flush(ctx)
}

// advance moves each source cursor to the newest committed row that has no
// uncommitted row of the same source before it.
func (e *Engine) advance(ctx context.Context, symbol string, cursors map[domain.Source]int64, res *processor.Result, advanced map[domain.Source]int64) error {
	for _, src := range domain.AllSources {
		if _, failed := res.SourceErrors[src]; failed {
			continue
		}
		to, ok := advanceTarget(src, cursors[src], res.Upserts)
		if !ok {
			continue
		}
		if err := e.cursors.Advance(ctx, symbol, src, to); err != nil {
			return fmt.Errorf("advance %s cursor: %w", src, err)
		}
		advanced[src] = to
	}
	return nil
}

// advanceTarget returns the cursor position for src. Buckets are disjoint in
// time, so a committed span never straddles an uncommitted one.
func advanceTarget(src domain.Source, cursor int64, upserts []*domain.PendingUpsert) (int64, bool) {
	minPending := int64(math.MaxInt64)
	for _, u := range upserts {
		if sp, ok := u.Spans[src]; ok && u.State != domain.UpsertCommitted && sp.MinMs < minPending {
			minPending = sp.MinMs
		}
	}

	best := cursor
	for _, u := range upserts {
		sp, ok := u.Spans[src]
		if !ok || u.State != domain.UpsertCommitted {
			continue
		}
		if sp.MaxMs < minPending && sp.MaxMs > best {
			best = sp.MaxMs
		}
	}
	return best, best > cursor
}

// record folds a symbol result into the summary. Callers hold the summary lock.
func (e *Engine) record(logger *zap.Logger, summary *domain.CycleSummary, sr *symbolResult) {
	summary.SymbolsProcessed++

	if res := sr.proc; res != nil {
		summary.RowsRead += res.RowsRead
		summary.RowsSkipped += res.RowsSkipped
		summary.RowsEnriched += res.RowsJoined
		summary.PartialWindows += res.PartialWindows
		summary.AddError(domain.ErrorKindTimestampFormat, res.RowsSkipped)
		summary.AddError(domain.ErrorKindSourceUnavailable, len(res.SourceErrors))
	}
	if fr := sr.flush; fr != nil {
		summary.RecordsCreated += fr.Stats.Created
		summary.RecordsUpdated += fr.Stats.Updated
		summary.RecordsSkipped += fr.Stats.Unchanged
		summary.BatchCommits += fr.Batches
	}

	switch sr.outcome {
	case arbiter.OutcomeCommitted:
		e.failures.Delete(sr.symbol)
	case arbiter.OutcomeDeferred:
		summary.SymbolsDeferred = append(summary.SymbolsDeferred, sr.symbol)
		summary.AddError(domain.ErrorKindLockTimeout, 1)
	case arbiter.OutcomeFailed:
		summary.SymbolsFailed = append(summary.SymbolsFailed, sr.symbol)
		kind := errorKind(sr.err)
		summary.AddError(kind, 1)
		if kind == domain.ErrorKindCommitFailure {
			e.commitFailed(logger, sr)
		} else {
			logger.Warn("symbol failed",
				zap.String("symbol", sr.symbol),
				zap.String("kind", kind),
				zap.Error(sr.err))
		}
	}
}

// commitFailed tracks consecutive failing cycles and raises an alert at the threshold.
func (e *Engine) commitFailed(logger *zap.Logger, sr *symbolResult) {
	streak, _ := e.failures.Compute(sr.symbol, func(n int, _ bool) (int, xsync.ComputeOp) {
		return n + 1, xsync.UpdateOp
	})

	fields := []zap.Field{
		zap.String("symbol", sr.symbol),
		zap.Int("consecutive_cycles", streak),
		zap.Error(sr.err),
	}
	if streak >= e.alertThreshold {
		logger.Error("commit failing across cycles", append(fields, zap.Bool("alert", true))...)
		return
	}
	logger.Warn("commit failed, batch rolled back", fields...)
}

// FailureStreak returns the number of consecutive cycles a symbol failed to commit.
func (e *Engine) FailureStreak(symbol string) int {
	n, _ := e.failures.Load(symbol)
	return n
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, storage.ErrStoreUnavailable):
		return domain.ErrorKindStoreUnavailable
	case errors.Is(err, storage.ErrCommitFailure):
		return domain.ErrorKindCommitFailure
	case errors.Is(err, storage.ErrLockTimeout):
		return domain.ErrorKindLockTimeout
	default:
		return domain.ErrorKindOther
	}
}
