package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
)

// Validate checks that all values are usable.
// Store DSNs are not required here: in-memory runs do not need them.
func (c *Config) Validate() error {
	if c.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}
	if c.Database.MinConns < 0 {
		return errors.New("database.min_conns must be >= 0")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) cannot exceed max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Database.LockTimeout <= 0 {
		return errors.New("database.lock_timeout must be > 0")
	}

	if _, err := normalization.ParseGranularity(c.Engine.Granularity); err != nil {
		return fmt.Errorf("engine.granularity: %w", err)
	}
	if c.Engine.WindowSize < 2 {
		return errors.New("engine.window_size must be >= 2")
	}
	if c.Engine.BandK <= 0 {
		return errors.New("engine.band_k must be > 0")
	}
	if c.Engine.Workers < 1 {
		return errors.New("engine.workers must be >= 1")
	}
	if c.Engine.PageSize < 1 {
		return errors.New("engine.page_size must be >= 1")
	}
	if _, err := cron.ParseStandard(c.Engine.Schedule); err != nil {
		return fmt.Errorf("engine.schedule: %w", err)
	}
	if _, err := cron.ParseStandard(c.Backfill.Schedule); err != nil {
		return fmt.Errorf("backfill.schedule: %w", err)
	}

	if c.Commit.Threshold < 1 {
		return errors.New("commit.threshold must be >= 1")
	}
	if c.Commit.MaxAttempts < 1 {
		return errors.New("commit.max_attempts must be >= 1")
	}

	if c.Backfill.Chunk <= 0 || c.Backfill.Lookback < c.Backfill.Chunk {
		return fmt.Errorf("backfill.lookback (%s) must cover at least one chunk (%s)", c.Backfill.Lookback, c.Backfill.Chunk)
	}
	if c.Backfill.Workers < 1 {
		return errors.New("backfill.workers must be >= 1")
	}

	for name, sc := range c.Sources {
		if _, err := domain.ParseSource(name); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		if sc.Table == "" || sc.TimeColumn == "" {
			return fmt.Errorf("sources.%s: table and time_column are required", name)
		}
		if !domain.TimeFormat(sc.TimeFormat).IsValid() {
			return fmt.Errorf("sources.%s.time_format: unknown format %q", name, sc.TimeFormat)
		}
	}

	return nil
}
