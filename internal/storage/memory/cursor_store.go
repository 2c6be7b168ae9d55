package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

type cursorKey struct {
	symbol string
	source domain.Source
}

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu   sync.RWMutex
	data map[cursorKey]*domain.SourceCursor
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		data: make(map[cursorKey]*domain.SourceCursor),
	}
}

// GetOutstanding returns the last processed timestamp per source for a symbol.
func (s *CursorStore) GetOutstanding(_ context.Context, symbol string) (map[domain.Source]int64, error) {
	if symbol == "" {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.Source]int64, len(domain.AllSources))
	for _, src := range domain.AllSources {
		if c, ok := s.data[cursorKey{symbol, src}]; ok {
			out[src] = c.LastProcessedMs
		} else {
			out[src] = 0
		}
	}
	return out, nil
}

// Advance moves the cursor forward. No-op if ts <= current cursor.
func (s *CursorStore) Advance(_ context.Context, symbol string, src domain.Source, ts int64) error {
	if symbol == "" || !src.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorKey{symbol, src}
	if c, ok := s.data[key]; ok && c.LastProcessedMs >= ts {
		return nil
	}
	s.data[key] = &domain.SourceCursor{
		Symbol:          symbol,
		Source:          src,
		LastProcessedMs: ts,
		UpdatedAtMs:     time.Now().UnixMilli(),
	}
	return nil
}

// List returns all cursors of a symbol, ordered by source.
func (s *CursorStore) List(_ context.Context, symbol string) ([]*domain.SourceCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.SourceCursor
	for key, c := range s.data {
		if key.symbol == symbol {
			cursorCopy := *c
			result = append(result, &cursorCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Source.Rank() < result[j].Source.Rank()
	})

	return result, nil
}

var _ storage.CursorStore = (*CursorStore)(nil)
