package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feature-materializer/internal/api"
	"feature-materializer/internal/config"
	"feature-materializer/internal/observability"
	"feature-materializer/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// serve runs the scheduler and the HTTP API until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, a *app, logger *zap.Logger) error {
	sched, err := scheduler.New(ctx, scheduler.Options{
		Cycles:       a.engine,
		Backfill:     a.backfill,
		CycleSpec:    cfg.Engine.Schedule,
		BackfillSpec: cfg.Backfill.Schedule,
		// Symbols past the soft deadline are deferred, so a cycle ends shortly after it
		CycleTimeout: cfg.Engine.SoftDeadline + cfg.Engine.SymbolTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Options{
		Cycles:    a.engine,
		Backfills: a.backfill,
		Verifier:  a.verifier,
		Features:  a.features,
		Cursors:   a.cursors,
		Metrics:   observability.Handler(),
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sched.Start()

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Running jobs finish their current symbols before the stores close
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
