package backfill

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

// symbolStats accumulates one symbol's reconciliation over all chunks.
type symbolStats struct {
	symbol string

	rowsRead       int
	rowsSkipped    int
	rowsJoined     int
	partialWindows int
	sourceErrors   int

	stats    storage.UpsertStats
	noop     int // upserts that would not change the stored record
	batches  int
	deferred int
	failed   int

	err error // first error that stopped a chunk
}

func (st *symbolStats) fold(summary *domain.CycleSummary) {
	summary.SymbolsProcessed++
	summary.RowsRead += st.rowsRead
	summary.RowsSkipped += st.rowsSkipped
	summary.RowsEnriched += st.rowsJoined
	summary.PartialWindows += st.partialWindows
	summary.RecordsCreated += st.stats.Created
	summary.RecordsUpdated += st.stats.Updated
	summary.RecordsSkipped += st.stats.Unchanged + st.noop
	summary.BatchCommits += st.batches

	summary.AddError(domain.ErrorKindTimestampFormat, st.rowsSkipped)
	summary.AddError(domain.ErrorKindSourceUnavailable, st.sourceErrors)
	summary.AddError(domain.ErrorKindLockTimeout, st.deferred)

	switch {
	case st.err != nil || st.failed > 0:
		summary.SymbolsFailed = append(summary.SymbolsFailed, st.symbol)
		summary.AddError(errorKind(st.err), 1)
	case st.deferred > 0:
		summary.SymbolsDeferred = append(summary.SymbolsDeferred, st.symbol)
	}
}

// reconcileSymbol walks [from, to) chunk by chunk. A failing chunk is
// counted and the walk moves on; it stops only on cancellation or when the
// feature store is unreachable.
func (r *Reconciler) reconcileSymbol(ctx context.Context, logger *zap.Logger, symbol string, from, to int64) *symbolStats {
	st := &symbolStats{symbol: symbol}
	logger = logger.With(zap.String("symbol", symbol))

	for start := from; start < to; start += r.chunk {
		if ctx.Err() != nil {
			return st
		}
		end := min(start+r.chunk, to)

		chunkCtx, cancel := context.WithTimeout(ctx, r.symbolTimeout)
		err := r.reconcileChunk(chunkCtx, symbol, start, end, st)
		cancel()
		if err == nil {
			continue
		}

		logger.Warn("backfill chunk failed",
			zap.Int64("from_ms", start),
			zap.Int64("to_ms", end),
			zap.Error(err))
		if st.err == nil {
			st.err = err
		}
		if errors.Is(err, storage.ErrStoreUnavailable) {
			return st
		}
	}
	return st
}

// reconcileChunk fills null fields of one symbol's records in [start, end).
func (r *Reconciler) reconcileChunk(ctx context.Context, symbol string, start, end int64, st *symbolStats) error {
	res, err := r.processor.ProcessRange(ctx, symbol, r.processor.Sources(), start, end)
	if err != nil {
		return fmt.Errorf("read sources: %w", err)
	}
	st.rowsRead += res.RowsRead
	st.rowsSkipped += res.RowsSkipped
	st.rowsJoined += res.RowsJoined
	st.partialWindows += res.PartialWindows
	st.sourceErrors += len(res.SourceErrors)

	if len(res.Upserts) == 0 {
		return nil
	}

	existing, err := r.features.GetRange(ctx, symbol, start, end-1)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	stored := make(map[int64]*domain.FeatureRecord, len(existing))
	for _, rec := range existing {
		stored[rec.BucketMs] = rec
	}

	batch := r.commits.Batch(symbol)
	for _, u := range res.Upserts {
		if rec, ok := stored[u.Record.BucketMs]; ok && len(rec.Clone().Merge(u.Record, "")) == 0 {
			st.noop++
			continue
		}
		u.Overwrite = ""
		if err := batch.Add(ctx, u); errors.Is(err, storage.ErrStoreUnavailable) {
			break
		}
	}

	flush, err := batch.Flush(ctx)
	st.stats.Add(&flush.Stats)
	st.batches += flush.Batches
	st.deferred += len(flush.Deferred)
	st.failed += len(flush.Failed)
	return err
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return domain.ErrorKindCommitFailure
	case errors.Is(err, storage.ErrStoreUnavailable):
		return domain.ErrorKindStoreUnavailable
	case errors.Is(err, storage.ErrCommitFailure):
		return domain.ErrorKindCommitFailure
	case errors.Is(err, storage.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorKindLockTimeout
	default:
		return domain.ErrorKindOther
	}
}
