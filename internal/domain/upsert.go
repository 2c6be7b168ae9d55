package domain

// UpsertState tracks a pending upsert through a flush.
type UpsertState int

const (
	UpsertPending UpsertState = iota
	UpsertDeferred
	UpsertCommitted
	UpsertFailed
)

// String returns the state name.
func (s UpsertState) String() string {
	switch s {
	case UpsertPending:
		return "pending"
	case UpsertDeferred:
		return "deferred"
	case UpsertCommitted:
		return "committed"
	case UpsertFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Span is the canonical timestamp range of rows from one source folded into an upsert.
type Span struct {
	MinMs int64
	MaxMs int64
}

// PendingUpsert is an in-memory enrichment waiting to be committed.
type PendingUpsert struct {
	Record    *FeatureRecord
	Spans     map[Source]Span // rows from each source contained in Record
	Overwrite Source          // authoritative source for a correction pass, "" otherwise
	State     UpsertState
}

// NewPendingUpsert creates an upsert for a fresh in-memory record.
func NewPendingUpsert(symbol string, bucketMs int64) *PendingUpsert {
	return &PendingUpsert{
		Record: NewFeatureRecord(symbol, bucketMs),
		Spans:  make(map[Source]Span),
	}
}

// Key returns the record key.
func (u *PendingUpsert) Key() RecordKey {
	return u.Record.Key()
}

// Symbol returns the record symbol.
func (u *PendingUpsert) Symbol() string {
	return u.Record.Symbol
}

// Observe widens the span of a source to include ts.
func (u *PendingUpsert) Observe(src Source, ts int64) {
	if u.Spans == nil {
		u.Spans = make(map[Source]Span)
	}
	sp, ok := u.Spans[src]
	if !ok {
		u.Spans[src] = Span{MinMs: ts, MaxMs: ts}
		return
	}
	if ts < sp.MinMs {
		sp.MinMs = ts
	}
	if ts > sp.MaxMs {
		sp.MaxMs = ts
	}
	u.Spans[src] = sp
}
