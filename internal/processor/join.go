package processor

import (
	"sort"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/window"
)

// Join folds normalized rows of one symbol into per-bucket pending upserts.
// Price rows are aggregated per bucket: open=first, high=max, low=min,
// close=last, volume=sum. For other sources the latest row of a bucket wins.
// Rows must be added in ascending timestamp order per source.
type Join struct {
	symbol      string
	granularity normalization.Granularity
	upserts     map[int64]*domain.PendingUpsert
}

// NewJoin creates an empty join for one symbol.
func NewJoin(symbol string, g normalization.Granularity) *Join {
	return &Join{
		symbol:      symbol,
		granularity: g,
		upserts:     make(map[int64]*domain.PendingUpsert),
	}
}

func (j *Join) upsert(bucket int64) *domain.PendingUpsert {
	u, ok := j.upserts[bucket]
	if !ok {
		u = domain.NewPendingUpsert(j.symbol, bucket)
		j.upserts[bucket] = u
	}
	return u
}

// Add folds rows of one source. Values not owned by src are ignored.
func (j *Join) Add(src domain.Source, rows []*domain.Row) {
	for _, r := range rows {
		u := j.upsert(normalization.Bucket(r.TimestampMs, j.granularity))
		u.Observe(src, r.TimestampMs)

		if src == domain.SourcePrice {
			aggregatePrice(u.Record, r.Values)
			continue
		}
		for name, v := range r.Values {
			if f, ok := domain.LookupField(name); ok && f.Source == src && !f.Derived {
				u.Record.Set(name, v)
			}
		}
	}
}

func aggregatePrice(rec *domain.FeatureRecord, values map[string]float64) {
	if v, ok := values[domain.FieldOpen]; ok {
		if _, seen := rec.Values[domain.FieldOpen]; !seen {
			rec.Set(domain.FieldOpen, v)
		}
	}
	if v, ok := values[domain.FieldHigh]; ok {
		if cur, seen := rec.Values[domain.FieldHigh]; !seen || v > cur {
			rec.Set(domain.FieldHigh, v)
		}
	}
	if v, ok := values[domain.FieldLow]; ok {
		if cur, seen := rec.Values[domain.FieldLow]; !seen || v < cur {
			rec.Set(domain.FieldLow, v)
		}
	}
	if v, ok := values[domain.FieldClose]; ok {
		rec.Set(domain.FieldClose, v)
	}
	if v, ok := values[domain.FieldVolume]; ok {
		rec.Set(domain.FieldVolume, rec.Values[domain.FieldVolume]+v)
	}
}

// SetBands stores band fields on a bucket. Window size is fixed by the column names.
func (j *Join) SetBands(bucket int64, b window.Bands) {
	rec := j.upsert(bucket).Record
	rec.Set(domain.FieldSMA, b.Middle)
	rec.Set(domain.FieldStdDev, b.StdDev)
	rec.Set(domain.FieldBBUpper, b.Upper)
	rec.Set(domain.FieldBBLower, b.Lower)
}

// Len returns the number of touched buckets.
func (j *Join) Len() int {
	return len(j.upserts)
}

// Upserts returns the pending upserts ordered by bucket.
func (j *Join) Upserts() []*domain.PendingUpsert {
	out := make([]*domain.PendingUpsert, 0, len(j.upserts))
	for _, u := range j.upserts {
		out = append(out, u)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Record.BucketMs < out[b].Record.BucketMs
	})
	return out
}
