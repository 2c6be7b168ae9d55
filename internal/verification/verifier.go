// Package verification recomputes feature records from the sources and checks
// that the stored records match them.
package verification

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/processor"
	"feature-materializer/internal/storage"
)

// FloatTolerance is the tolerance for float64 comparisons.
const FloatTolerance = 1e-7

// FieldDivergence is a column whose stored value differs from the recomputed one.
// A nil pointer is a null column.
type FieldDivergence struct {
	Field      string   `json:"field"`
	Stored     *float64 `json:"stored"`
	Recomputed *float64 `json:"recomputed"`
}

// RecordResult is the verdict for one bucket.
type RecordResult struct {
	BucketMs     int64             `json:"bucket_ms"`
	Match        bool              `json:"match"`
	NotStored    bool              `json:"not_stored,omitempty"`     // sources have rows, store has no record
	NotInSources bool              `json:"not_in_sources,omitempty"` // store has a record, sources have no rows
	Divergences  []FieldDivergence `json:"divergences,omitempty"`
}

// Report contains results for one symbol. Results lists only the buckets that did not match.
type Report struct {
	Symbol           string            `json:"symbol"`
	FromMs           int64             `json:"from_ms"`
	ToMs             int64             `json:"to_ms"`
	TotalRecords     int               `json:"total_records"`
	MatchedRecords   int               `json:"matched_records"`
	DivergentRecords int               `json:"divergent_records"`
	SkippedSources   map[string]string `json:"skipped_sources,omitempty"`
	Results          []RecordResult    `json:"results"`
}

// Match reports whether every bucket matched.
func (r *Report) Match() bool {
	return r.DivergentRecords == 0
}

// CompareRecords compares two records column by column over the catalog,
// ignoring columns owned by the skipped sources.
func CompareRecords(stored, recomputed *domain.FeatureRecord, skip map[domain.Source]bool) []FieldDivergence {
	var divergences []FieldDivergence
	for _, f := range domain.Fields {
		if skip[f.Source] {
			continue
		}
		s, r := stored.Get(f.Name), recomputed.Get(f.Name)
		if !floatPtrEquals(s, r) {
			divergences = append(divergences, FieldDivergence{Field: f.Name, Stored: s, Recomputed: r})
		}
	}
	return divergences
}

// Options contains configuration for creating a Verifier.
type Options struct {
	Processor *processor.Processor
	Features  storage.FeatureStore
	Now       func() time.Time
	Logger    *zap.Logger
}

// Verifier replays sources over a range and diffs the result against the store.
type Verifier struct {
	processor *processor.Processor
	features  storage.FeatureStore
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a Verifier.
func New(opts Options) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Verifier{
		processor: opts.Processor,
		features:  opts.Features,
		now:       opts.Now,
		logger:    opts.Logger.With(zap.String("component", "verification")),
	}
}

// VerifyRange checks the buckets of symbol in [fromMs, toMs). The range is
// aligned to buckets and clamped to the open bucket, which is never stored.
func (v *Verifier) VerifyRange(ctx context.Context, symbol string, fromMs, toMs int64) (*Report, error) {
	g := v.processor.Granularity()
	from := normalization.Bucket(fromMs, g)
	to := normalization.Bucket(toMs-1, g) + g.Millis()
	if open := normalization.Bucket(v.now().UnixMilli(), g); to > open {
		to = open
	}
	if symbol == "" || to <= from {
		return nil, fmt.Errorf("%w: empty range or symbol", storage.ErrInvalidInput)
	}

	res, err := v.processor.ProcessRange(ctx, symbol, v.processor.Sources(), from, to)
	if err != nil {
		return nil, err
	}
	stored, err := v.features.GetRange(ctx, symbol, from, to-1)
	if err != nil {
		return nil, err
	}

	report := &Report{Symbol: symbol, FromMs: from, ToMs: to, Results: []RecordResult{}}
	skip := make(map[domain.Source]bool, len(res.SourceErrors))
	for src, serr := range res.SourceErrors {
		skip[src] = true
		if report.SkippedSources == nil {
			report.SkippedSources = make(map[string]string)
		}
		report.SkippedSources[src.String()] = serr.Error()
	}

	byBucket := make(map[int64]*domain.FeatureRecord, len(stored))
	for _, rec := range stored {
		byBucket[rec.BucketMs] = rec
	}

	for _, u := range res.Upserts {
		recomputed := u.Record
		rec, ok := byBucket[recomputed.BucketMs]
		delete(byBucket, recomputed.BucketMs)

		result := RecordResult{BucketMs: recomputed.BucketMs}
		if !ok {
			result.NotStored = true
		} else {
			result.Divergences = CompareRecords(rec, recomputed, skip)
			result.Match = len(result.Divergences) == 0
		}
		report.add(result)
	}

	// Whatever is left was stored without any source row behind it.
	orphans := make([]int64, 0, len(byBucket))
	for b := range byBucket {
		orphans = append(orphans, b)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, b := range orphans {
		report.add(RecordResult{BucketMs: b, NotInSources: len(skip) == 0, Match: len(skip) > 0})
	}

	if report.Match() {
		v.logger.Debug("records verified", zap.String("symbol", symbol), zap.Int("records", report.TotalRecords))
	} else {
		v.logger.Warn("records diverge from sources",
			zap.String("symbol", symbol),
			zap.Int("records", report.TotalRecords),
			zap.Int("divergent", report.DivergentRecords))
	}
	return report, nil
}

// VerifyAll verifies each symbol over the same range. Symbols default to every
// symbol known to a source.
func (v *Verifier) VerifyAll(ctx context.Context, symbols []string, fromMs, toMs int64) ([]*Report, error) {
	symbols = domain.UniqueSymbols(symbols)
	if len(symbols) == 0 {
		var err error
		if symbols, err = v.discover(ctx); err != nil {
			return nil, err
		}
	}

	reports := make([]*Report, 0, len(symbols))
	for _, symbol := range symbols {
		report, err := v.VerifyRange(ctx, symbol, fromMs, toMs)
		if err != nil {
			return reports, fmt.Errorf("verify %s: %w", symbol, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (v *Verifier) discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, reader := range v.processor.Readers() {
		syms, err := reader.Symbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s symbols: %w", reader.Source(), err)
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
	return out, nil
}

func (r *Report) add(result RecordResult) {
	r.TotalRecords++
	if result.Match {
		r.MatchedRecords++
		return
	}
	r.DivergentRecords++
	r.Results = append(r.Results, result)
}

// floatPtrEquals compares two nullable values within FloatTolerance.
// Returns true if both are nil, or both are non-nil and equal.
func floatPtrEquals(a, b *float64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return math.Abs(*a-*b) <= FloatTolerance
}
