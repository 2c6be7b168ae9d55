package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"feature-materializer/internal/arbiter"
	"feature-materializer/internal/backfill"
	"feature-materializer/internal/commit"
	"feature-materializer/internal/config"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/engine"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/notify"
	"feature-materializer/internal/observability"
	"feature-materializer/internal/processor"
	"feature-materializer/internal/retry"
	"feature-materializer/internal/storage"
	chstore "feature-materializer/internal/storage/clickhouse"
	"feature-materializer/internal/storage/memory"
	"feature-materializer/internal/storage/migrations"
	pgstore "feature-materializer/internal/storage/postgres"
	"feature-materializer/internal/verification"
	"feature-materializer/internal/window"
)

// app holds the wired components of one process.
type app struct {
	features storage.FeatureStore
	cursors  storage.CursorStore
	metrics  *observability.Metrics

	engine   *engine.Engine
	backfill *backfill.Reconciler
	verifier *verification.Verifier

	closers []func()
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, useMemory bool, logger *zap.Logger) (*app, error) {
	a := &app{metrics: observability.NewMetrics("feature_materializer")}

	var (
		readers []storage.SourceReader
		err     error
	)
	if useMemory {
		logger.Info("using in-memory stores")
		a.features = memory.NewFeatureStore()
		a.cursors = memory.NewCursorStore()
		for _, src := range domain.AllSources {
			if cfg.Source(src).IsEnabled() {
				readers = append(readers, memory.NewSourceStore(src))
			}
		}
	} else {
		readers, err = a.openStores(ctx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.features = observability.InstrumentFeatureStore(a.features, a.metrics)

	g, err := normalization.ParseGranularity(cfg.Engine.Granularity)
	if err != nil {
		a.Close()
		return nil, err
	}
	proc := processor.New(readers, processor.Options{
		Granularity: g,
		PageSize:    cfg.Engine.PageSize,
		BandK:       cfg.Engine.BandK,
		Window:      window.NewAccumulator(cfg.Engine.WindowSize),
		Logger:      logger.With(zap.String("component", "processor")),
	})
	commits := commit.NewManager(a.features, commit.Options{
		Threshold:      cfg.Commit.Threshold,
		TimeBudget:     cfg.Commit.TimeBudget,
		MaxAttempts:    cfg.Commit.MaxAttempts,
		InitialBackoff: cfg.Commit.InitialBackoff,
		MaxBackoff:     cfg.Commit.MaxBackoff,
		Logger:         logger.With(zap.String("component", "commit")),
	})
	publisher := a.openPublisher(ctx, cfg, logger)

	a.engine = engine.New(engine.Options{
		Processor: proc,
		Commits:   commits,
		Arbiter: arbiter.New(arbiter.Options{
			Timeout: cfg.Engine.SymbolTimeout,
			Logger:  logger.With(zap.String("component", "arbiter")),
		}),
		Features:       a.features,
		Cursors:        a.cursors,
		Workers:        cfg.Engine.Workers,
		SoftDeadline:   cfg.Engine.SoftDeadline,
		AlertThreshold: cfg.Engine.AlertThreshold,
		Logger:         logger.With(zap.String("component", "engine")),
		Metrics:        a.metrics,
		Publisher:      publisher,
	})
	a.backfill = backfill.New(backfill.Options{
		Processor:     proc,
		Commits:       commits,
		Features:      a.features,
		Workers:       cfg.Backfill.Workers,
		Chunk:         cfg.Backfill.Chunk,
		Lookback:      cfg.Backfill.Lookback,
		SymbolTimeout: cfg.Engine.SymbolTimeout,
		Logger:        logger,
		Metrics:       a.metrics,
		Publisher:     publisher,
	})
	a.verifier = verification.New(verification.Options{
		Processor: proc,
		Features:  a.features,
		Logger:    logger,
	})

	logger.Info("materializer wired",
		zap.Int("sources", len(readers)),
		zap.String("granularity", string(g)),
		zap.Int("window_size", cfg.Engine.WindowSize),
		zap.Int("workers", cfg.Engine.Workers))
	return a, nil
}

// openStores connects to PostgreSQL and, when configured, ClickHouse, and
// builds one reader per enabled source.
func (a *app) openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]storage.SourceReader, error) {
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("database.postgres_dsn is required (use -use-memory for in-memory stores)")
	}

	var pool *pgstore.Pool
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "connect postgres", func() error {
		p, err := pgstore.NewPoolWithOptions(ctx, cfg.Database.PostgresDSN, pgstore.PoolOptions{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)

	if cfg.Database.Migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool, logger); err != nil {
			return nil, err
		}
	}

	a.features = pgstore.NewFeatureStore(pool, pgstore.FeatureStoreOptions{LockTimeout: cfg.Database.LockTimeout})
	a.cursors = pgstore.NewCursorStore(pool)

	var readers []storage.SourceReader
	for _, src := range domain.AllSources {
		sc := cfg.Source(src)
		if !sc.IsEnabled() {
			continue
		}

		if src == domain.SourceOnchain {
			reader, err := a.openOnchain(ctx, cfg, sc, logger)
			if err != nil {
				return nil, err
			}
			if reader != nil {
				readers = append(readers, reader)
			}
			continue
		}

		reader, err := pgstore.NewSourceReader(pool, pgstore.SourceTable{
			Source:       src,
			Table:        sc.Table,
			SymbolColumn: sc.SymbolColumn,
			TimeColumn:   sc.TimeColumn,
			TimeFormat:   domain.TimeFormat(sc.TimeFormat),
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src, err)
		}
		readers = append(readers, reader)
	}
	return readers, nil
}

// openOnchain returns nil without a ClickHouse DSN: the on-chain source is then skipped.
func (a *app) openOnchain(ctx context.Context, cfg *config.Config, sc config.SourceConfig, logger *zap.Logger) (storage.SourceReader, error) {
	dsn := cfg.Database.ClickhouseDSN
	if dsn == "" {
		logger.Warn("clickhouse_dsn not set, on-chain source disabled")
		return nil, nil
	}

	var conn *chstore.Conn
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "connect clickhouse", func() error {
		var err error
		if cfg.Database.Migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, dsn, logger)
		} else {
			conn, err = chstore.NewConn(ctx, dsn)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = conn.Close() })

	return chstore.NewOnchainReaderForTable(conn, sc.Table), nil
}

// openPublisher connects the Redis summary stream. Publishing is best effort,
// so an unreachable server only disables it.
func (a *app) openPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) notify.Publisher {
	if cfg.Redis.Addr == "" {
		return notify.Nop{}
	}

	pub, err := notify.NewRedisPublisher(ctx, notify.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Stream:   cfg.Redis.Stream,
		MaxLen:   cfg.Redis.MaxLen,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, cycle summaries will not be published", zap.Error(err))
		return notify.Nop{}
	}
	a.closers = append(a.closers, func() { _ = pub.Close() })
	return pub
}
