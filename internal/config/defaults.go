package config

import (
	"time"

	"feature-materializer/internal/domain"
)

// Default values for optional configuration fields.
const (
	DefaultMaxConns       = 10
	DefaultMinConns       = 2
	DefaultLockTimeout    = 5 * time.Second
	DefaultRedisStream    = "features:cycles"
	DefaultRedisMaxLen    = 10000
	DefaultGranularity    = "day"
	DefaultWindowSize     = 20
	DefaultBandK          = 2.0
	DefaultWorkers        = 8
	DefaultPageSize       = 5000
	DefaultSchedule       = "@every 5m"
	DefaultSoftDeadline   = 4 * time.Minute
	DefaultSymbolTimeout  = 30 * time.Second
	DefaultAlertThreshold = 3
	DefaultThreshold      = 1000
	DefaultTimeBudget     = 2 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultBackfillCron   = "@every 1h"
	DefaultLookback       = 7 * 24 * time.Hour
	DefaultChunk          = 24 * time.Hour
	DefaultBackfillPool   = 2
	DefaultHTTPAddr       = ":8080"
)

// defaultSources mirrors the tables created by the embedded migrations.
var defaultSources = map[domain.Source]SourceConfig{
	domain.SourcePrice:     {Table: "price_ticks", TimeColumn: "ts", TimeFormat: string(domain.TimeFormatCalendar)},
	domain.SourceTechnical: {Table: "technical_indicators", TimeColumn: "ts_ms", TimeFormat: string(domain.TimeFormatEpochMs)},
	domain.SourceMacro:     {Table: "macro_indicators", TimeColumn: "observed_at", TimeFormat: string(domain.TimeFormatCalendar)},
	domain.SourceOnchain:   {Table: "onchain_metrics", TimeColumn: "ts", TimeFormat: string(domain.TimeFormatCalendar)},
	domain.SourceSentiment: {Table: "sentiment_scores", TimeColumn: "ts_s", TimeFormat: string(domain.TimeFormatEpochS)},
}

func (c *Config) applyDefaults() {
	// Database defaults
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}
	if c.Database.LockTimeout == 0 {
		c.Database.LockTimeout = DefaultLockTimeout
	}

	// Redis defaults
	if c.Redis.Stream == "" {
		c.Redis.Stream = DefaultRedisStream
	}
	if c.Redis.MaxLen == 0 {
		c.Redis.MaxLen = DefaultRedisMaxLen
	}

	// Engine defaults
	if c.Engine.Granularity == "" {
		c.Engine.Granularity = DefaultGranularity
	}
	if c.Engine.WindowSize == 0 {
		c.Engine.WindowSize = DefaultWindowSize
	}
	if c.Engine.BandK == 0 {
		c.Engine.BandK = DefaultBandK
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = DefaultWorkers
	}
	if c.Engine.PageSize == 0 {
		c.Engine.PageSize = DefaultPageSize
	}
	if c.Engine.Schedule == "" {
		c.Engine.Schedule = DefaultSchedule
	}
	if c.Engine.SoftDeadline == 0 {
		c.Engine.SoftDeadline = DefaultSoftDeadline
	}
	if c.Engine.SymbolTimeout == 0 {
		c.Engine.SymbolTimeout = DefaultSymbolTimeout
	}
	if c.Engine.AlertThreshold == 0 {
		c.Engine.AlertThreshold = DefaultAlertThreshold
	}

	// Commit defaults
	if c.Commit.Threshold == 0 {
		c.Commit.Threshold = DefaultThreshold
	}
	if c.Commit.TimeBudget == 0 {
		c.Commit.TimeBudget = DefaultTimeBudget
	}
	if c.Commit.MaxAttempts == 0 {
		c.Commit.MaxAttempts = DefaultMaxAttempts
	}
	if c.Commit.InitialBackoff == 0 {
		c.Commit.InitialBackoff = DefaultInitialBackoff
	}
	if c.Commit.MaxBackoff == 0 {
		c.Commit.MaxBackoff = DefaultMaxBackoff
	}

	// Backfill defaults
	if c.Backfill.Schedule == "" {
		c.Backfill.Schedule = DefaultBackfillCron
	}
	if c.Backfill.Lookback == 0 {
		c.Backfill.Lookback = DefaultLookback
	}
	if c.Backfill.Chunk == 0 {
		c.Backfill.Chunk = DefaultChunk
	}
	if c.Backfill.Workers == 0 {
		c.Backfill.Workers = DefaultBackfillPool
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}

	// Source defaults fill only unset attributes
	if c.Sources == nil {
		c.Sources = make(map[string]SourceConfig, len(defaultSources))
	}
	for src, def := range defaultSources {
		sc := c.Sources[string(src)]
		if sc.Table == "" {
			sc.Table = def.Table
		}
		if sc.TimeColumn == "" {
			sc.TimeColumn = def.TimeColumn
		}
		if sc.TimeFormat == "" {
			sc.TimeFormat = def.TimeFormat
		}
		if sc.SymbolColumn == "" {
			sc.SymbolColumn = "symbol"
		}
		c.Sources[string(src)] = sc
	}
}
