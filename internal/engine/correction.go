package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/idhash"
	"feature-materializer/internal/storage"
)

// CorrectionRequest re-runs one source over a time range as the authoritative
// origin of its fields. Empty Symbols means every symbol the source knows.
type CorrectionRequest struct {
	Symbols []string
	Source  domain.Source
	FromMs  int64 // inclusive
	ToMs    int64 // exclusive
}

// Correct overwrites the fields of one source with its current rows in
// [FromMs, ToMs). Null incoming values never clear a stored field and
// cursors are not moved. A correction and a cycle never run at the same time.
func (e *Engine) Correct(ctx context.Context, req CorrectionRequest) (*domain.CycleSummary, error) {
	if !req.Source.IsValid() || req.ToMs <= req.FromMs {
		return nil, fmt.Errorf("%w: correction needs a source and a non-empty range", storage.ErrInvalidInput)
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer e.running.Store(false)

	started := e.now()
	idParts := append(append([]string(nil), req.Symbols...), "source="+string(req.Source))
	summary := domain.NewCycleSummary(
		idhash.CycleID(domain.ModeCorrection, started.UnixMilli(), idParts),
		domain.ModeCorrection,
		started,
	)
	logger := e.logger.With(zap.String("cycle_id", summary.CycleID), zap.String("source", req.Source.String()))

	symbols := domain.UniqueSymbols(req.Symbols)
	if len(symbols) == 0 {
		for _, r := range e.processor.Readers() {
			if r.Source() != req.Source {
				continue
			}
			syms, err := r.Symbols(ctx)
			if err != nil {
				summary.AddError(domain.ErrorKindSourceUnavailable, 1)
				summary.Duration = e.now().Sub(started)
				e.finish(ctx, logger, summary)
				return summary, fmt.Errorf("list symbols of %s: %w", req.Source, err)
			}
			symbols = domain.UniqueSymbols(syms)
		}
	}

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			summary.Aborted = true
			break
		}

		sr := &symbolResult{symbol: symbol}
		sr.outcome, sr.err = e.arbiter.Run(ctx, symbol, func(ctx context.Context) error {
			res, err := e.processor.ProcessRange(ctx, symbol, []domain.Source{req.Source}, req.FromMs, req.ToMs)
			if err != nil {
				return err
			}
			sr.proc = res
			// Reported through res.SourceErrors
			if _, failed := res.SourceErrors[req.Source]; failed {
				return nil
			}

			for _, u := range res.Upserts {
				u.Overwrite = req.Source
			}
			flush, err := e.commitAll(ctx, symbol, res.Upserts)
			sr.flush = flush
			if err != nil {
				return err
			}
			if n := len(flush.Deferred); n > 0 {
				return fmt.Errorf("%d records still contended: %w", n, storage.ErrLockTimeout)
			}
			return nil
		})

		e.record(logger, summary, sr)
	}

	summary.Duration = e.now().Sub(started)
	sort.Strings(summary.SymbolsDeferred)
	sort.Strings(summary.SymbolsFailed)
	e.finish(ctx, logger, summary)
	return summary, nil
}
