package storage

import (
	"context"

	"feature-materializer/internal/domain"
)

// UpsertStats counts the effect of an upsert batch.
type UpsertStats struct {
	Created   int // records that did not exist before
	Updated   int // existing records with at least one changed field
	Unchanged int // existing records the merge left as they were
}

// Add accumulates other into s.
func (s *UpsertStats) Add(other *UpsertStats) {
	if other == nil {
		return
	}
	s.Created += other.Created
	s.Updated += other.Updated
	s.Unchanged += other.Unchanged
}

// FeatureStore provides access to feature_records storage.
type FeatureStore interface {
	// UpsertBatch merges all upserts in a single transaction.
	// Each field is written only when the stored value is NULL, unless the
	// upsert names an authoritative source whose fields it may replace.
	// Returns ErrLockTimeout on lock contention and ErrCommitFailure on any
	// other write failure. Nothing is written when an error is returned.
	UpsertBatch(ctx context.Context, upserts []*domain.PendingUpsert) (*UpsertStats, error)

	// Get retrieves a record by key. Returns ErrNotFound if not exists.
	Get(ctx context.Context, symbol string, bucketMs int64) (*domain.FeatureRecord, error)

	// GetRange retrieves records for a symbol with bucket within [start, end] (inclusive),
	// ordered by bucket ASC.
	GetRange(ctx context.Context, symbol string, start, end int64) ([]*domain.FeatureRecord, error)

	// Ping checks that the store is reachable. Returns ErrStoreUnavailable otherwise.
	Ping(ctx context.Context) error
}

// CursorStore provides access to source_cursors storage.
type CursorStore interface {
	// GetOutstanding returns the last processed timestamp per source for a symbol.
	// Sources without a cursor are reported as 0.
	GetOutstanding(ctx context.Context, symbol string) (map[domain.Source]int64, error)

	// Advance moves the cursor forward to ts. No-op if ts <= current cursor.
	Advance(ctx context.Context, symbol string, src domain.Source, ts int64) error

	// List returns all cursors of a symbol, ordered by source.
	List(ctx context.Context, symbol string) ([]*domain.SourceCursor, error)
}

// SourceReader reads rows from one collaborator source store.
// Implementations return native timestamps; callers normalize them.
// Each call runs its own query and drains it before returning.
type SourceReader interface {
	// Source returns the origin this reader serves.
	Source() domain.Source

	// Symbols lists symbols that have at least one row.
	Symbols(ctx context.Context) ([]string, error)

	// FetchAfter returns up to limit rows with canonical timestamp > afterMs,
	// ordered by timestamp ASC.
	FetchAfter(ctx context.Context, symbol string, afterMs int64, limit int) ([]*domain.RawRow, error)

	// FetchRange returns rows with canonical timestamp within [startMs, endMs),
	// ordered by timestamp ASC.
	FetchRange(ctx context.Context, symbol string, startMs, endMs int64) ([]*domain.RawRow, error)

	// FetchBefore returns the last n rows with canonical timestamp < beforeMs,
	// ordered by timestamp ASC.
	FetchBefore(ctx context.Context, symbol string, beforeMs int64, n int) ([]*domain.RawRow, error)
}
