package postgres

import (
	"context"
	"fmt"
	"sort"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

// CursorStore is a PostgreSQL implementation of storage.CursorStore.
// One row per (symbol, source) in source_cursors.
type CursorStore struct {
	pool *Pool
}

// NewCursorStore creates a new PostgreSQL cursor store.
func NewCursorStore(pool *Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// GetOutstanding returns the last processed timestamp per source for a symbol.
// Sources without a row are reported as 0.
func (s *CursorStore) GetOutstanding(ctx context.Context, symbol string) (map[domain.Source]int64, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	cursors, err := s.List(ctx, symbol)
	if err != nil {
		return nil, err
	}

	out := make(map[domain.Source]int64, len(domain.AllSources))
	for _, src := range domain.AllSources {
		out[src] = 0
	}
	for _, c := range cursors {
		out[c.Source] = c.LastProcessedMs
	}
	return out, nil
}

// Advance moves the cursor forward. The conditional update makes a
// backwards or equal timestamp a no-op, even under concurrent writers.
func (s *CursorStore) Advance(ctx context.Context, symbol string, src domain.Source, ts int64) error {
	if symbol == "" || !src.IsValid() {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_cursors (symbol, source, last_processed_ms, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (symbol, source) DO UPDATE
		SET last_processed_ms = EXCLUDED.last_processed_ms,
		    updated_at = NOW()
		WHERE source_cursors.last_processed_ms < EXCLUDED.last_processed_ms
	`, symbol, string(src), ts)
	if err != nil {
		return classifyReadError(fmt.Errorf("advance cursor %s/%s: %w", symbol, src, err))
	}

	return nil
}

// List returns all cursors of a symbol, ordered by source.
func (s *CursorStore) List(ctx context.Context, symbol string) ([]*domain.SourceCursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, source, last_processed_ms, (EXTRACT(EPOCH FROM updated_at) * 1000)::bigint
		FROM source_cursors
		WHERE symbol = $1
	`, symbol)
	if err != nil {
		return nil, classifyReadError(fmt.Errorf("list cursors: %w", err))
	}
	defer rows.Close()

	var result []*domain.SourceCursor
	for rows.Next() {
		var c domain.SourceCursor
		var src string
		if err := rows.Scan(&c.Symbol, &src, &c.LastProcessedMs, &c.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		parsed, err := domain.ParseSource(src)
		if err != nil {
			continue
		}
		c.Source = parsed
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyReadError(err)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Source.Rank() < result[j].Source.Rank()
	})
	return result, nil
}

var _ storage.CursorStore = (*CursorStore)(nil)
