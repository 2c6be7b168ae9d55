package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

// FeatureStore is a PostgreSQL implementation of storage.FeatureStore.
//
// The monotonic-write rule lives in SQL: every field is merged with
// COALESCE(existing, incoming), and only the authoritative source of a
// correction pass uses COALESCE(incoming, existing).
type FeatureStore struct {
	pool        *Pool
	lockTimeout time.Duration
	now         func() time.Time
}

// FeatureStoreOptions configures a FeatureStore.
type FeatureStoreOptions struct {
	// LockTimeout bounds every row-lock wait inside UpsertBatch. Zero keeps the server default.
	LockTimeout time.Duration
}

// NewFeatureStore creates a new PostgreSQL feature store.
func NewFeatureStore(pool *Pool, opts FeatureStoreOptions) *FeatureStore {
	return &FeatureStore{
		pool:        pool,
		lockTimeout: opts.LockTimeout,
		now:         time.Now,
	}
}

func completenessColumn(src domain.Source) string {
	return "completeness_" + string(src)
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// selectColumns lists columns in the order scanRecord expects.
var selectColumns = func() string {
	cols := []string{"symbol", "bucket_ms"}
	for _, f := range domain.Fields {
		cols = append(cols, quote(f.Name))
	}
	for _, src := range domain.AllSources {
		cols = append(cols, completenessColumn(src))
	}
	cols = append(cols, "last_updated_ms")
	return strings.Join(cols, ", ")
}()

// upsertQueries holds one statement per authoritative source ("" = fill-null only).
var upsertQueries = func() map[domain.Source]string {
	m := make(map[domain.Source]string, len(domain.AllSources)+1)
	m[""] = buildUpsertQuery("")
	for _, src := range domain.AllSources {
		m[src] = buildUpsertQuery(src)
	}
	return m
}()

// buildUpsertQuery generates the merge statement. Arguments are
// symbol, bucket_ms, one value per catalog field, one completeness per
// source, last_updated_ms. Returns inserted=true for new rows and no row
// when the merge changed nothing.
func buildUpsertQuery(overwrite domain.Source) string {
	var cols, args, sets, changed []string
	n := 1
	next := func() string {
		p := fmt.Sprintf("$%d", n)
		n++
		return p
	}

	cols = append(cols, "symbol", "bucket_ms")
	args = append(args, next(), next())

	finalValue := make(map[string]string, len(domain.Fields))
	for _, f := range domain.Fields {
		col := quote(f.Name)
		cols = append(cols, col)
		args = append(args, next())

		existing := "feature_records." + col
		incoming := "EXCLUDED." + col
		if overwrite != "" && f.Source == overwrite {
			finalValue[f.Name] = fmt.Sprintf("COALESCE(%s, %s)", incoming, existing)
			changed = append(changed, fmt.Sprintf("(%s IS NOT NULL AND %s IS DISTINCT FROM %s)", incoming, existing, incoming))
		} else {
			finalValue[f.Name] = fmt.Sprintf("COALESCE(%s, %s)", existing, incoming)
			changed = append(changed, fmt.Sprintf("(%s IS NULL AND %s IS NOT NULL)", existing, incoming))
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, finalValue[f.Name]))
	}

	for _, src := range domain.AllSources {
		cols = append(cols, completenessColumn(src))
		args = append(args, next())

		fields := domain.FieldsFor(src)
		terms := make([]string, 0, len(fields))
		for _, f := range fields {
			terms = append(terms, fmt.Sprintf("(CASE WHEN %s IS NULL THEN 0 ELSE 1 END)", finalValue[f.Name]))
		}
		sets = append(sets, fmt.Sprintf("%s = (%s)::double precision / %d",
			completenessColumn(src), strings.Join(terms, " + "), len(fields)))
	}

	cols = append(cols, "last_updated_ms")
	args = append(args, next())
	sets = append(sets, "last_updated_ms = EXCLUDED.last_updated_ms")

	return fmt.Sprintf(`
		INSERT INTO feature_records (%s)
		VALUES (%s)
		ON CONFLICT (symbol, bucket_ms) DO UPDATE SET
			%s
		WHERE %s
		RETURNING (xmax = 0) AS inserted
	`,
		strings.Join(cols, ", "),
		strings.Join(args, ", "),
		strings.Join(sets, ",\n\t\t\t"),
		strings.Join(changed, "\n\t\t\tOR "),
	)
}

func upsertArgs(rec *domain.FeatureRecord, nowMs int64) []any {
	incoming := rec.Clone()
	incoming.RecomputeCompleteness()

	args := make([]any, 0, 3+len(domain.Fields)+len(domain.AllSources))
	args = append(args, rec.Symbol, rec.BucketMs)
	for _, f := range domain.Fields {
		args = append(args, incoming.Get(f.Name))
	}
	for _, src := range domain.AllSources {
		args = append(args, incoming.Completeness[src])
	}
	args = append(args, nowMs)
	return args
}

// UpsertBatch merges all upserts in one transaction.
// Rows are locked in key order to avoid deadlocks between concurrent batches.
func (s *FeatureStore) UpsertBatch(ctx context.Context, upserts []*domain.PendingUpsert) (*storage.UpsertStats, error) {
	stats := &storage.UpsertStats{}
	if len(upserts) == 0 {
		return stats, nil
	}

	ordered := make([]*domain.PendingUpsert, len(upserts))
	copy(ordered, upserts)
	for _, u := range ordered {
		if u == nil || u.Record == nil || u.Record.Symbol == "" {
			return nil, fmt.Errorf("%w: %w", storage.ErrCommitFailure, storage.ErrInvalidInput)
		}
		if _, ok := upsertQueries[u.Overwrite]; !ok {
			return nil, fmt.Errorf("%w: %w: overwrite source %q", storage.ErrCommitFailure, storage.ErrInvalidInput, u.Overwrite)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Key(), ordered[j].Key()
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.BucketMs < b.BucketMs
	})

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyWriteError(ctx, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, classifyWriteError(ctx, fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	nowMs := s.now().UnixMilli()
	batch := &pgx.Batch{}
	for _, u := range ordered {
		batch.Queue(upsertQueries[u.Overwrite], upsertArgs(u.Record, nowMs)...)
	}

	results := tx.SendBatch(ctx, batch)
	for _, u := range ordered {
		var inserted bool
		err := results.QueryRow().Scan(&inserted)
		switch {
		case isNotFoundError(err):
			stats.Unchanged++
		case err != nil:
			results.Close()
			return nil, classifyWriteError(ctx, fmt.Errorf("upsert %s/%d: %w", u.Record.Symbol, u.Record.BucketMs, err))
		case inserted:
			stats.Created++
		default:
			stats.Updated++
		}
	}
	if err := results.Close(); err != nil {
		return nil, classifyWriteError(ctx, fmt.Errorf("close batch: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyWriteError(ctx, fmt.Errorf("commit tx: %w", err))
	}

	return stats, nil
}

// Get retrieves a record by key. Returns ErrNotFound if not exists.
func (s *FeatureStore) Get(ctx context.Context, symbol string, bucketMs int64) (*domain.FeatureRecord, error) {
	query := `SELECT ` + selectColumns + `
		FROM feature_records
		WHERE symbol = $1 AND bucket_ms = $2
	`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, symbol, bucketMs))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, classifyReadError(fmt.Errorf("get feature record: %w", err))
	}
	return rec, nil
}

// GetRange retrieves records for a symbol within [start, end] (inclusive).
func (s *FeatureStore) GetRange(ctx context.Context, symbol string, start, end int64) ([]*domain.FeatureRecord, error) {
	query := `SELECT ` + selectColumns + `
		FROM feature_records
		WHERE symbol = $1 AND bucket_ms >= $2 AND bucket_ms <= $3
		ORDER BY bucket_ms ASC
	`

	rows, err := s.pool.Query(ctx, query, symbol, start, end)
	if err != nil {
		return nil, classifyReadError(fmt.Errorf("get feature records by range: %w", err))
	}
	defer rows.Close()

	var result []*domain.FeatureRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature record: %w", err)
		}
		result = append(result, rec)
	}

	return result, classifyReadError(rows.Err())
}

// Ping checks that the database is reachable.
func (s *FeatureStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*domain.FeatureRecord, error) {
	var rec domain.FeatureRecord
	values := make([]*float64, len(domain.Fields))
	completeness := make([]float64, len(domain.AllSources))

	dest := make([]any, 0, 3+len(values)+len(completeness))
	dest = append(dest, &rec.Symbol, &rec.BucketMs)
	for i := range values {
		dest = append(dest, &values[i])
	}
	for i := range completeness {
		dest = append(dest, &completeness[i])
	}
	dest = append(dest, &rec.LastUpdatedMs)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Values = make(map[string]float64)
	for i, f := range domain.Fields {
		if values[i] != nil {
			rec.Values[f.Name] = *values[i]
		}
	}
	rec.Completeness = make(map[domain.Source]float64, len(domain.AllSources))
	for i, src := range domain.AllSources {
		rec.Completeness[src] = completeness[i]
	}

	return &rec, nil
}

var _ storage.FeatureStore = (*FeatureStore)(nil)
