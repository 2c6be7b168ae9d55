package domain

// RecordKey identifies a materialized record.
type RecordKey struct {
	Symbol   string
	BucketMs int64
}

// FeatureRecord is the wide per-symbol, per-bucket feature row.
// Corresponds to feature_records table in PostgreSQL.
//
// Values holds only non-null fields: a missing key is NULL.
type FeatureRecord struct {
	Symbol        string             // instrument identifier
	BucketMs      int64              // bucket start, canonical epoch ms
	Values        map[string]float64 // non-null fields by column name
	Completeness  map[Source]float64 // non-null fraction of each origin's fields
	LastUpdatedMs int64              // last time any field changed (ms)
}

// NewFeatureRecord creates an empty record for a key.
func NewFeatureRecord(symbol string, bucketMs int64) *FeatureRecord {
	return &FeatureRecord{
		Symbol:       symbol,
		BucketMs:     bucketMs,
		Values:       make(map[string]float64),
		Completeness: make(map[Source]float64),
	}
}

// Key returns the record key.
func (r *FeatureRecord) Key() RecordKey {
	return RecordKey{Symbol: r.Symbol, BucketMs: r.BucketMs}
}

// Get returns a pointer to a copy of the field value, or nil when NULL.
func (r *FeatureRecord) Get(name string) *float64 {
	v, ok := r.Values[name]
	if !ok {
		return nil
	}
	return &v
}

// Set stores a non-null value for a field.
func (r *FeatureRecord) Set(name string, v float64) {
	if r.Values == nil {
		r.Values = make(map[string]float64)
	}
	r.Values[name] = v
}

// Clone returns a deep copy.
func (r *FeatureRecord) Clone() *FeatureRecord {
	c := &FeatureRecord{
		Symbol:        r.Symbol,
		BucketMs:      r.BucketMs,
		Values:        make(map[string]float64, len(r.Values)),
		Completeness:  make(map[Source]float64, len(r.Completeness)),
		LastUpdatedMs: r.LastUpdatedMs,
	}
	for k, v := range r.Values {
		c.Values[k] = v
	}
	for k, v := range r.Completeness {
		c.Completeness[k] = v
	}
	return c
}

// Merge applies incoming values onto r and returns the names of fields that changed.
//
// A field is written only when r has no value for it. When overwrite names a
// source, fields owned by that source are also replaced by differing incoming
// values. A non-null field is never cleared: incoming records carry no nulls.
func (r *FeatureRecord) Merge(in *FeatureRecord, overwrite Source) []string {
	if r.Values == nil {
		r.Values = make(map[string]float64)
	}

	var changed []string
	for _, f := range Fields {
		v, ok := in.Values[f.Name]
		if !ok {
			continue
		}
		cur, exists := r.Values[f.Name]
		switch {
		case !exists:
			r.Values[f.Name] = v
			changed = append(changed, f.Name)
		case overwrite != "" && f.Source == overwrite && cur != v:
			r.Values[f.Name] = v
			changed = append(changed, f.Name)
		}
	}

	if len(changed) > 0 {
		r.RecomputeCompleteness()
	}
	return changed
}

// RecomputeCompleteness refreshes the per-origin completeness fractions.
func (r *FeatureRecord) RecomputeCompleteness() {
	total := make(map[Source]int)
	present := make(map[Source]int)
	for _, f := range Fields {
		total[f.Source]++
		if _, ok := r.Values[f.Name]; ok {
			present[f.Source]++
		}
	}
	if r.Completeness == nil {
		r.Completeness = make(map[Source]float64, len(AllSources))
	}
	for _, src := range AllSources {
		if total[src] == 0 {
			continue
		}
		r.Completeness[src] = float64(present[src]) / float64(total[src])
	}
}

// MissingFor returns the fields of a source that are still NULL.
func (r *FeatureRecord) MissingFor(src Source) []string {
	var out []string
	for _, f := range Fields {
		if f.Source != src {
			continue
		}
		if _, ok := r.Values[f.Name]; !ok {
			out = append(out, f.Name)
		}
	}
	return out
}
