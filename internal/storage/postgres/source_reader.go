package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/storage"
)

// SourceTable describes a collaborator table holding one origin's rows.
type SourceTable struct {
	Source       domain.Source
	Table        string
	SymbolColumn string            // defaults to "symbol"
	TimeColumn   string            // native timestamp column
	TimeFormat   domain.TimeFormat // how TimeColumn encodes time
	Columns      []string          // value columns; defaults to the catalog columns of Source
}

// SourceReader is a PostgreSQL implementation of storage.SourceReader.
// Value columns are read as text and parsed with decimal so NUMERIC columns
// keep their precision until the final float conversion.
type SourceReader struct {
	pool  *Pool
	table SourceTable
	cols  string
}

// NewSourceReader creates a reader for one source table.
func NewSourceReader(pool *Pool, table SourceTable) (*SourceReader, error) {
	if !table.Source.IsValid() || table.Table == "" || table.TimeColumn == "" {
		return nil, fmt.Errorf("%w: source table %+v", storage.ErrInvalidInput, table)
	}
	if !table.TimeFormat.IsValid() {
		return nil, fmt.Errorf("%w: time format %q", storage.ErrInvalidInput, table.TimeFormat)
	}
	if table.SymbolColumn == "" {
		table.SymbolColumn = "symbol"
	}
	if len(table.Columns) == 0 {
		table.Columns = domain.SourceColumns(table.Source)
	}

	parts := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		parts = append(parts, quote(c)+"::text")
	}

	return &SourceReader{
		pool:  pool,
		table: table,
		cols:  strings.Join(parts, ", "),
	}, nil
}

// Source returns the origin this reader serves.
func (r *SourceReader) Source() domain.Source {
	return r.table.Source
}

// Symbols lists symbols that have at least one row.
func (r *SourceReader) Symbols(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s ORDER BY 1`,
		quote(r.table.SymbolColumn), quote(r.table.Table))

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, r.unavailable(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		out = append(out, sym)
	}
	if err := rows.Err(); err != nil {
		return nil, r.unavailable(err)
	}
	return out, nil
}

// FetchAfter returns up to limit rows with canonical timestamp > afterMs.
func (r *SourceReader) FetchAfter(ctx context.Context, symbol string, afterMs int64, limit int) ([]*domain.RawRow, error) {
	query := r.selectSQL(`%s > $2`, `ORDER BY %s ASC LIMIT $3`)
	return r.fetch(ctx, query, symbol, r.floorArg(afterMs), limit)
}

// FetchRange returns rows with canonical timestamp within [startMs, endMs).
func (r *SourceReader) FetchRange(ctx context.Context, symbol string, startMs, endMs int64) ([]*domain.RawRow, error) {
	query := r.selectSQL(`%[1]s >= $2 AND %[1]s < $3`, `ORDER BY %s ASC`)
	return r.fetch(ctx, query, symbol, r.ceilArg(startMs), r.ceilArg(endMs))
}

// FetchBefore returns the last n rows with canonical timestamp < beforeMs, ascending.
func (r *SourceReader) FetchBefore(ctx context.Context, symbol string, beforeMs int64, n int) ([]*domain.RawRow, error) {
	inner := r.selectSQL(`%s < $2`, `ORDER BY %s DESC LIMIT $3`)
	rows, err := r.fetch(ctx, inner, symbol, r.ceilArg(beforeMs), n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// floorArg converts a canonical bound for a strict "greater than" predicate.
func (r *SourceReader) floorArg(ms int64) any {
	return normalization.ToNative(ms, r.table.TimeFormat)
}

// ceilArg converts a canonical bound for ">=" and "<" predicates.
// For second-resolution columns, ts_s*1000 >= ms holds iff ts_s >= ceil(ms/1000).
func (r *SourceReader) ceilArg(ms int64) any {
	if r.table.TimeFormat == domain.TimeFormatEpochS {
		return normalization.ToNative(ms+999, r.table.TimeFormat)
	}
	return normalization.ToNative(ms, r.table.TimeFormat)
}

func (r *SourceReader) selectSQL(where, tail string) string {
	tc := quote(r.table.TimeColumn)
	return fmt.Sprintf(`
		SELECT %s, %s
		FROM %s
		WHERE %s = $1 AND %s
		%s
	`,
		tc, r.cols,
		quote(r.table.Table),
		quote(r.table.SymbolColumn), fmt.Sprintf(where, tc),
		fmt.Sprintf(tail, tc),
	)
}

// fetch runs one query and drains it fully before returning so that no
// other statement ever shares its result set.
func (r *SourceReader) fetch(ctx context.Context, query string, args ...any) ([]*domain.RawRow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, r.unavailable(err)
	}
	defer rows.Close()

	symbol, _ := args[0].(string)
	var result []*domain.RawRow
	for rows.Next() {
		row, err := r.scanRow(rows, symbol)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, r.unavailable(err)
	}
	return result, nil
}

func (r *SourceReader) scanRow(rows pgx.Rows, symbol string) (*domain.RawRow, error) {
	var native any
	texts := make([]*string, len(r.table.Columns))

	dest := make([]any, 0, 1+len(texts))
	dest = append(dest, &native)
	for i := range texts {
		dest = append(dest, &texts[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan %s row: %w", r.table.Source, err)
	}

	values := make(map[string]float64, len(texts))
	for i, txt := range texts {
		if txt == nil {
			continue
		}
		d, err := decimal.NewFromString(*txt)
		if err != nil {
			// NaN and infinities are stored as text but carry no usable value
			continue
		}
		values[r.table.Columns[i]] = d.InexactFloat64()
	}

	return &domain.RawRow{
		Symbol:     symbol,
		Source:     r.table.Source,
		NativeTime: native,
		Values:     values,
	}, nil
}

// unavailable wraps read failures as ErrSourceUnavailable; a cancelled
// context is returned as is.
func (r *SourceReader) unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", storage.ErrSourceUnavailable, r.table.Source, err)
}

var _ storage.SourceReader = (*SourceReader)(nil)
