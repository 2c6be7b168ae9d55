// Package processor builds in-memory feature records for one symbol from its sources.
// It performs no writes: the pending upserts it returns are committed by the caller.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/storage"
	"feature-materializer/internal/window"
)

// DefaultPageSize bounds the rows fetched per source per pass.
const DefaultPageSize = 5000

// Options for creating a Processor.
type Options struct {
	Granularity normalization.Granularity
	PageSize    int
	BandK       float64
	Window      *window.Accumulator // live window, shared across cycles
	Now         func() time.Time
	Logger      *zap.Logger

	// IncludeOpenBucket processes rows of the bucket containing Now.
	// By default they are left for a later pass so aggregates see the whole bucket.
	IncludeOpenBucket bool
}

// Processor joins source rows into pending upserts for one symbol at a time.
// Different symbols may be processed concurrently.
type Processor struct {
	readers    map[domain.Source]storage.SourceReader
	normalizer *normalization.Normalizer
	window     *window.Accumulator
	g          normalization.Granularity
	pageSize   int
	k          float64
	now        func() time.Time
	openBucket bool
	logger     *zap.Logger
}

// New creates a Processor over the given readers. At most one reader per source is used.
func New(readers []storage.SourceReader, opts Options) *Processor {
	p := &Processor{
		readers:    make(map[domain.Source]storage.SourceReader, len(readers)),
		window:     opts.Window,
		g:          opts.Granularity,
		pageSize:   opts.PageSize,
		k:          opts.BandK,
		now:        opts.Now,
		openBucket: opts.IncludeOpenBucket,
		logger:     opts.Logger,
	}
	for _, r := range readers {
		p.readers[r.Source()] = r
	}
	if p.g == "" {
		p.g = normalization.GranularityDay
	}
	if p.pageSize <= 0 {
		p.pageSize = DefaultPageSize
	}
	if p.k <= 0 {
		p.k = window.DefaultK
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.window == nil {
		p.window = window.NewAccumulator(window.DefaultSize)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.normalizer = normalization.NewNormalizer(p.now)
	return p
}

// Result is the outcome of processing one symbol.
type Result struct {
	Symbol         string
	Upserts        []*domain.PendingUpsert // one per touched bucket, ordered by bucket
	RowsRead       int
	RowsSkipped    int // rows with an unusable timestamp
	RowsJoined     int // rows folded into upserts
	PartialWindows int // buckets whose bands stay null for lack of history
	SourceErrors   map[domain.Source]error
}

func newResult(symbol string) *Result {
	return &Result{Symbol: symbol, SourceErrors: make(map[domain.Source]error)}
}

// Sources returns the sources this processor reads, in processing order.
func (p *Processor) Sources() []domain.Source {
	var out []domain.Source
	for _, src := range domain.AllSources {
		if _, ok := p.readers[src]; ok {
			out = append(out, src)
		}
	}
	return out
}

// Readers returns the configured readers in processing order.
func (p *Processor) Readers() []storage.SourceReader {
	var out []storage.SourceReader
	for _, src := range p.Sources() {
		out = append(out, p.readers[src])
	}
	return out
}

// Granularity returns the bucket granularity.
func (p *Processor) Granularity() normalization.Granularity {
	return p.g
}

// Process reads rows after each source cursor and joins them into pending upserts.
// A failing source is recorded in Result.SourceErrors and skipped; only context
// cancellation is returned as an error.
func (p *Processor) Process(ctx context.Context, symbol string, cursors map[domain.Source]int64) (*Result, error) {
	return p.ProcessUntil(ctx, symbol, cursors, 0)
}

// ProcessUntil is Process restricted to buckets that end at or before untilMs.
// Rows of later buckets stay after the cursors for a later pass. Zero untilMs
// means no limit.
func (p *Processor) ProcessUntil(ctx context.Context, symbol string, cursors map[domain.Source]int64, untilMs int64) (*Result, error) {
	res := newResult(symbol)
	join := NewJoin(symbol, p.g)
	cutoff := p.cutoff(untilMs)

	for _, src := range p.Sources() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cursor := cursors[src]
		raw, fullPage, err := p.fetchPage(ctx, src, symbol, cursor)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.sourceFailed(res, src, err)
			continue
		}
		res.RowsRead += len(raw)

		rows := p.normalize(res, symbol, src, raw, cursor)
		rows = p.settled(rows, fullPage, cutoff)
		if len(rows) == 0 {
			continue
		}

		if src == domain.SourcePrice {
			if err := p.reseed(ctx, p.window, symbol, cursor); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				p.sourceFailed(res, src, err)
				continue
			}
			res.PartialWindows += p.applyBands(p.window, join, symbol, rows)
		}
		join.Add(src, rows)
		res.RowsJoined += len(rows)
	}

	res.Upserts = join.Upserts()
	return res, nil
}

// ProcessRange joins rows of the given sources with timestamps in [startMs, endMs).
// Bands are computed on a private window seeded from rows before startMs, so the
// live window is left untouched.
func (p *Processor) ProcessRange(ctx context.Context, symbol string, sources []domain.Source, startMs, endMs int64) (*Result, error) {
	res := newResult(symbol)
	join := NewJoin(symbol, p.g)

	for _, src := range sources {
		reader, ok := p.readers[src]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := reader.FetchRange(ctx, symbol, startMs, endMs)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.sourceFailed(res, src, err)
			continue
		}
		res.RowsRead += len(raw)

		rows := p.normalize(res, symbol, src, raw, startMs-1)
		if len(rows) == 0 {
			continue
		}

		if src == domain.SourcePrice {
			acc := window.NewAccumulator(p.window.Size())
			if err := p.reseed(ctx, acc, symbol, startMs-1); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				p.sourceFailed(res, src, err)
				continue
			}
			res.PartialWindows += p.applyBands(acc, join, symbol, rows)
		}
		join.Add(src, rows)
		res.RowsJoined += len(rows)
	}

	res.Upserts = join.Upserts()
	return res, nil
}

func (p *Processor) sourceFailed(res *Result, src domain.Source, err error) {
	if !errors.Is(err, storage.ErrSourceUnavailable) {
		err = fmt.Errorf("%w: %w", storage.ErrSourceUnavailable, err)
	}
	res.SourceErrors[src] = err
	p.logger.Warn("source unavailable, skipping for this cycle",
		zap.String("symbol", res.Symbol),
		zap.String("source", src.String()),
		zap.Error(err))
}

// normalize converts raw rows to canonical rows strictly after afterMs, ordered by time.
func (p *Processor) normalize(res *Result, symbol string, src domain.Source, raw []*domain.RawRow, afterMs int64) []*domain.Row {
	rows := make([]*domain.Row, 0, len(raw))
	for _, r := range raw {
		ts, err := p.normalizer.Normalize(r.NativeTime, src)
		if err != nil {
			res.RowsSkipped++
			p.logger.Debug("skipping row with unusable timestamp",
				zap.String("symbol", symbol),
				zap.String("source", src.String()),
				zap.Error(err))
			continue
		}
		// Native predicates may round; the canonical value decides
		if ts <= afterMs {
			continue
		}
		rows = append(rows, &domain.Row{
			Symbol:      symbol,
			Source:      src,
			TimestampMs: ts,
			Values:      r.Values,
		})
	}
	normalization.SortRows(rows)
	return rows
}

// fetchPage reads a page of rows after cursor. A full page holding a single
// bucket is grown until the rest of that bucket fits, so the bucket is never
// committed from part of its rows.
func (p *Processor) fetchPage(ctx context.Context, src domain.Source, symbol string, cursor int64) ([]*domain.RawRow, bool, error) {
	limit := p.pageSize
	for {
		raw, err := p.readers[src].FetchAfter(ctx, symbol, cursor, limit)
		if err != nil {
			return nil, false, err
		}
		if len(raw) < limit || !p.singleBucket(src, raw) {
			return raw, len(raw) == limit, nil
		}
		p.logger.Debug("page holds a single bucket, growing it",
			zap.String("symbol", symbol),
			zap.String("source", src.String()),
			zap.Int("limit", limit*2))
		limit *= 2
	}
}

// singleBucket reports whether every usable row of raw falls in one bucket.
func (p *Processor) singleBucket(src domain.Source, raw []*domain.RawRow) bool {
	first := int64(-1)
	for _, r := range raw {
		ts, err := p.normalizer.Normalize(r.NativeTime, src)
		if err != nil {
			continue
		}
		b := normalization.Bucket(ts, p.g)
		if first == -1 {
			first = b
		} else if b != first {
			return false
		}
	}
	return true
}

// settled drops rows whose bucket may still receive rows: for a full page, the
// trailing bucket whose remainder is on the next page, then every bucket at or
// after cutoff.
func (p *Processor) settled(rows []*domain.Row, fullPage bool, cutoff int64) []*domain.Row {
	if fullPage && len(rows) > 0 {
		last := normalization.Bucket(rows[len(rows)-1].TimestampMs, p.g)
		n := len(rows)
		for n > 0 && normalization.Bucket(rows[n-1].TimestampMs, p.g) == last {
			n--
		}
		// fetchPage never returns a full page inside one bucket
		if n > 0 {
			rows = rows[:n]
		}
	}

	n := len(rows)
	for n > 0 && normalization.Bucket(rows[n-1].TimestampMs, p.g) >= cutoff {
		n--
	}
	return rows[:n]
}

// cutoff is the first bucket a pass must leave alone: the open bucket unless
// it is included, and the bucket holding untilMs when untilMs is set.
func (p *Processor) cutoff(untilMs int64) int64 {
	cutoff := int64(math.MaxInt64)
	if !p.openBucket {
		cutoff = normalization.Bucket(p.now().UnixMilli(), p.g)
	}
	if untilMs > 0 {
		cutoff = min(cutoff, normalization.Bucket(untilMs, p.g))
	}
	return cutoff
}

// reseed makes the window hold the prices up to and including cursorMs when it
// does not already end there.
func (p *Processor) reseed(ctx context.Context, acc *window.Accumulator, symbol string, cursorMs int64) error {
	if last, ok := acc.LastTimestamp(symbol); ok && last == cursorMs {
		return nil
	}
	if cursorMs <= 0 {
		acc.Reset(symbol)
		return nil
	}

	raw, err := p.readers[domain.SourcePrice].FetchBefore(ctx, symbol, cursorMs+1, acc.Size())
	if err != nil {
		return err
	}

	points := make([]window.Point, 0, len(raw))
	for _, r := range raw {
		ts, err := p.normalizer.Normalize(r.NativeTime, domain.SourcePrice)
		if err != nil || ts > cursorMs {
			continue
		}
		price, ok := r.Values[domain.FieldClose]
		if !ok {
			continue
		}
		if n := len(points); n > 0 && ts <= points[n-1].TimestampMs {
			continue
		}
		points = append(points, window.Point{TimestampMs: ts, Price: price})
	}
	return acc.Seed(symbol, points)
}

// applyBands computes each bucket's bands from the window as it stood before
// the bucket's last price, pushing every price after its band is taken.
// Returns the number of buckets left without bands.
func (p *Processor) applyBands(acc *window.Accumulator, join *Join, symbol string, rows []*domain.Row) int {
	type bucketBands struct {
		bands window.Bands
		ok    bool
	}
	byBucket := make(map[int64]bucketBands)
	var order []int64

	for _, r := range rows {
		price, ok := r.Values[domain.FieldClose]
		if !ok {
			continue
		}
		bucket := normalization.Bucket(r.TimestampMs, p.g)
		if _, seen := byBucket[bucket]; !seen {
			order = append(order, bucket)
		}

		b, err := acc.Bands(symbol, p.k)
		byBucket[bucket] = bucketBands{bands: b, ok: err == nil}

		if err := acc.Push(symbol, r.TimestampMs, price); err != nil {
			p.logger.Debug("price not pushed to window",
				zap.String("symbol", symbol),
				zap.Int64("ts", r.TimestampMs),
				zap.Error(err))
		}
	}

	partial := 0
	for _, bucket := range order {
		bb := byBucket[bucket]
		if !bb.ok {
			partial++
			continue
		}
		join.SetBands(bucket, bb.bands)
	}
	return partial
}
