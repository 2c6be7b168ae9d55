package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/storage"
)

// SourceStore is an in-memory implementation of storage.SourceReader.
// Rows keep their native timestamps; ordering and filtering use the parsed
// canonical value, and unparseable rows sort last.
type SourceStore struct {
	mu          sync.RWMutex
	source      domain.Source
	rows        map[string][]*domain.RawRow // by symbol, sorted by canonical ts
	unavailable bool
}

// NewSourceStore creates a new in-memory source store for one origin.
func NewSourceStore(src domain.Source) *SourceStore {
	return &SourceStore{
		source: src,
		rows:   make(map[string][]*domain.RawRow),
	}
}

// Source returns the origin this store serves.
func (s *SourceStore) Source() domain.Source {
	return s.source
}

// Append adds rows. Symbol is required; Source is forced to the store's origin.
func (s *SourceStore) Append(rows ...*domain.RawRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		if r == nil || r.Symbol == "" {
			return storage.ErrInvalidInput
		}
		rowCopy := *r
		rowCopy.Source = s.source
		rowCopy.Values = copyValues(r.Values)
		s.rows[r.Symbol] = append(s.rows[r.Symbol], &rowCopy)
	}
	for sym := range s.rows {
		list := s.rows[sym]
		sort.SliceStable(list, func(i, j int) bool {
			return sortKey(list[i]) < sortKey(list[j])
		})
	}
	return nil
}

// Replace overwrites the values of every row of a symbol at canonical timestamp ms.
// Used to simulate collaborator corrections.
func (s *SourceStore) Replace(symbol string, ms int64, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows[symbol] {
		if sortKey(r) == ms {
			r.Values = copyValues(values)
		}
	}
}

// SetUnavailable makes every read fail with ErrSourceUnavailable.
func (s *SourceStore) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// Symbols lists symbols that have at least one row.
func (s *SourceStore) Symbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(s.rows))
	for sym, list := range s.rows {
		if len(list) > 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FetchAfter returns up to limit rows with canonical timestamp > afterMs.
func (s *SourceStore) FetchAfter(_ context.Context, symbol string, afterMs int64, limit int) ([]*domain.RawRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}

	var result []*domain.RawRow
	for _, r := range s.rows[symbol] {
		if sortKey(r) > afterMs {
			result = append(result, copyRow(r))
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// FetchRange returns rows with canonical timestamp within [startMs, endMs).
func (s *SourceStore) FetchRange(_ context.Context, symbol string, startMs, endMs int64) ([]*domain.RawRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}

	var result []*domain.RawRow
	for _, r := range s.rows[symbol] {
		if ts := sortKey(r); ts >= startMs && ts < endMs {
			result = append(result, copyRow(r))
		}
	}
	return result, nil
}

// FetchBefore returns the last n rows with canonical timestamp < beforeMs.
func (s *SourceStore) FetchBefore(_ context.Context, symbol string, beforeMs int64, n int) ([]*domain.RawRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}

	list := s.rows[symbol]
	end := sort.Search(len(list), func(i int) bool {
		return sortKey(list[i]) >= beforeMs
	})
	start := end - n
	if start < 0 {
		start = 0
	}

	result := make([]*domain.RawRow, 0, end-start)
	for _, r := range list[start:end] {
		result = append(result, copyRow(r))
	}
	return result, nil
}

func (s *SourceStore) check() error {
	if s.unavailable {
		return fmt.Errorf("%w: %s", storage.ErrSourceUnavailable, s.source)
	}
	return nil
}

func sortKey(r *domain.RawRow) int64 {
	ms, err := normalization.Parse(r.NativeTime)
	if err != nil {
		return math.MaxInt64
	}
	return ms
}

func copyRow(r *domain.RawRow) *domain.RawRow {
	rowCopy := *r
	rowCopy.Values = copyValues(r.Values)
	return &rowCopy
}

func copyValues(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ storage.SourceReader = (*SourceStore)(nil)
