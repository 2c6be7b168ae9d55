package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/storage"
)

// OnchainReader implements storage.SourceReader over the onchain_metrics table.
// Timestamps are DateTime64(3, 'UTC'); bounds are passed as epoch ms and
// converted server-side so comparisons stay on the primary key.
type OnchainReader struct {
	conn    *Conn
	table   string
	columns []string
}

// NewOnchainReader creates a reader for onchain_metrics.
func NewOnchainReader(conn *Conn) *OnchainReader {
	return NewOnchainReaderForTable(conn, "onchain_metrics")
}

// NewOnchainReaderForTable creates a reader for a table with the onchain_metrics layout.
func NewOnchainReaderForTable(conn *Conn, table string) *OnchainReader {
	return &OnchainReader{
		conn:    conn,
		table:   table,
		columns: domain.SourceColumns(domain.SourceOnchain),
	}
}

// Compile-time interface check.
var _ storage.SourceReader = (*OnchainReader)(nil)

// Source returns the on-chain origin.
func (r *OnchainReader) Source() domain.Source {
	return domain.SourceOnchain
}

// Symbols lists symbols that have at least one row.
func (r *OnchainReader) Symbols(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT symbol FROM %s ORDER BY symbol`, r.table)

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, unavailable(err)
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
		return nil, unavailable(err)
	}
	return out, nil
}

// FetchAfter returns up to limit rows with ts > afterMs, ordered by ts ASC.
func (r *OnchainReader) FetchAfter(ctx context.Context, symbol string, afterMs int64, limit int) ([]*domain.RawRow, error) {
	query := r.selectSQL(`ts > fromUnixTimestamp64Milli(toInt64(?))`, `ORDER BY ts ASC LIMIT ?`)
	return r.fetch(ctx, query, symbol, afterMs, uint64(limit))
}

// FetchRange returns rows with ts within [startMs, endMs), ordered by ts ASC.
func (r *OnchainReader) FetchRange(ctx context.Context, symbol string, startMs, endMs int64) ([]*domain.RawRow, error) {
	query := r.selectSQL(
		`ts >= fromUnixTimestamp64Milli(toInt64(?)) AND ts < fromUnixTimestamp64Milli(toInt64(?))`,
		`ORDER BY ts ASC`,
	)
	return r.fetch(ctx, query, symbol, startMs, endMs)
}

// FetchBefore returns the last n rows with ts < beforeMs, ordered by ts ASC.
func (r *OnchainReader) FetchBefore(ctx context.Context, symbol string, beforeMs int64, n int) ([]*domain.RawRow, error) {
	query := r.selectSQL(`ts < fromUnixTimestamp64Milli(toInt64(?))`, `ORDER BY ts DESC LIMIT ?`)
	rows, err := r.fetch(ctx, query, symbol, beforeMs, uint64(n))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// selectSQL builds a deduplicated read; ReplacingMergeTree may hold unmerged
// duplicates, so FINAL collapses them.
func (r *OnchainReader) selectSQL(where, tail string) string {
	return fmt.Sprintf(`
		SELECT ts, %s
		FROM %s FINAL
		WHERE symbol = ? AND %s
		%s
	`, strings.Join(r.columns, ", "), r.table, where, tail)
}

func (r *OnchainReader) fetch(ctx context.Context, query string, symbol string, args ...any) ([]*domain.RawRow, error) {
	rows, err := r.conn.Query(ctx, query, append([]any{symbol}, args...)...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	return r.scanRows(rows, symbol)
}

// scanRows drains the result set into raw rows.
func (r *OnchainReader) scanRows(rows chRows, symbol string) ([]*domain.RawRow, error) {
	var result []*domain.RawRow

	for rows.Next() {
		var ts time.Time
		values := make([]*float64, len(r.columns))

		dest := make([]any, 0, 1+len(values))
		dest = append(dest, &ts)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan onchain row: %w", err)
		}

		row := &domain.RawRow{
			Symbol:     symbol,
			Source:     domain.SourceOnchain,
			NativeTime: ts,
			Values:     make(map[string]float64, len(values)),
		}
		for i, v := range values {
			if v != nil {
				row.Values[r.columns[i]] = *v
			}
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}

	return result, nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: onchain: %w", storage.ErrSourceUnavailable, err)
}
