package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feature-materializer/internal/domain"
)

func dayMs(n int) int64 {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n).UnixMilli()
}

func TestOnchainReader_FetchAfter(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	insertOnchain(t, conn, []*domain.Row{
		{Symbol: "BTC", TimestampMs: dayMs(0), Values: map[string]float64{"tx_count": 100, "hash_rate": 5}},
		{Symbol: "BTC", TimestampMs: dayMs(1), Values: map[string]float64{"tx_count": 110}},
		{Symbol: "BTC", TimestampMs: dayMs(2), Values: map[string]float64{"tx_count": 120}},
		{Symbol: "ETH", TimestampMs: dayMs(1), Values: map[string]float64{"tx_count": 900}},
	})

	reader := NewOnchainReader(conn)
	ctx := context.Background()

	rows, err := reader.FetchAfter(ctx, "BTC", dayMs(0), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	ts, ok := rows[0].NativeTime.(time.Time)
	require.True(t, ok)
	assert.Equal(t, dayMs(1), ts.UnixMilli())
	assert.Equal(t, 110.0, rows[0].Values["tx_count"])
	_, hasHashRate := rows[0].Values["hash_rate"]
	assert.False(t, hasHashRate, "NULL columns must stay absent")
	assert.Equal(t, domain.SourceOnchain, rows[0].Source)

	rows, err = reader.FetchAfter(ctx, "BTC", 0, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 5.0, rows[0].Values["hash_rate"])
}

func TestOnchainReader_RangeBeforeAndSymbols(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	var seed []*domain.Row
	for i := 0; i < 5; i++ {
		seed = append(seed, &domain.Row{Symbol: "BTC", TimestampMs: dayMs(i), Values: map[string]float64{"nvt_ratio": float64(i)}})
	}
	insertOnchain(t, conn, seed)

	reader := NewOnchainReader(conn)
	ctx := context.Background()

	rows, err := reader.FetchRange(ctx, "BTC", dayMs(1), dayMs(3))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, rows[0].Values["nvt_ratio"])

	rows, err = reader.FetchBefore(ctx, "BTC", dayMs(4), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2.0, rows[0].Values["nvt_ratio"])
	assert.Equal(t, 3.0, rows[1].Values["nvt_ratio"])

	symbols, err := reader.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, symbols)
}

func TestParseDSN(t *testing.T) {
	opts, err := parseDSN("clickhouse://user:pw@ch.local/onchain?dial_timeout=3s&max_open_conns=4")
	require.NoError(t, err)

	assert.Equal(t, []string{"ch.local:9000"}, opts.Addr)
	assert.Equal(t, "user", opts.Auth.Username)
	assert.Equal(t, "pw", opts.Auth.Password)
	assert.Equal(t, "onchain", opts.Auth.Database)
	assert.Equal(t, 3*time.Second, opts.DialTimeout)
	assert.Equal(t, 4, opts.MaxOpenConns)

	_, err = parseDSN("clickhouse://ch.local/db?dial_timeout=soon")
	assert.Error(t, err)
}
