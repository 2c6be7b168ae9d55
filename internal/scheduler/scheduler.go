// Package scheduler triggers engine cycles and backfill runs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"feature-materializer/internal/backfill"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/engine"
)

// Defaults for Options.
const (
	DefaultCycleSpec       = "@every 5m"
	DefaultBackfillSpec    = "@every 1h"
	DefaultCycleTimeout    = 5 * time.Minute
	DefaultBackfillTimeout = time.Hour
)

// CycleRunner runs one incremental cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, req engine.Request) (*domain.CycleSummary, error)
}

// BackfillRunner runs one reconciliation pass.
type BackfillRunner interface {
	Run(ctx context.Context, req backfill.Request) (*domain.CycleSummary, error)
}

// Options for creating a Scheduler. A nil runner disables its job.
type Options struct {
	Cycles   CycleRunner
	Backfill BackfillRunner

	CycleSpec       string
	BackfillSpec    string
	CycleTimeout    time.Duration
	BackfillTimeout time.Duration

	Logger *zap.Logger
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron   *cron.Cron
	opts   Options
	logger *zap.Logger
}

// New creates a Scheduler and registers its jobs. Jobs run on ticks only
// after Start.
func New(ctx context.Context, opts Options) (*Scheduler, error) {
	if opts.CycleSpec == "" {
		opts.CycleSpec = DefaultCycleSpec
	}
	if opts.BackfillSpec == "" {
		opts.BackfillSpec = DefaultBackfillSpec
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = DefaultBackfillTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	logger := opts.Logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		// A tick that finds the previous run of the same job still going is skipped
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		opts:   opts,
		logger: logger,
	}

	if opts.Cycles != nil {
		if _, err := s.cron.AddFunc(opts.CycleSpec, func() { s.runCycle(ctx) }); err != nil {
			return nil, fmt.Errorf("cycle schedule %q: %w", opts.CycleSpec, err)
		}
	}
	if opts.Backfill != nil {
		if _, err := s.cron.AddFunc(opts.BackfillSpec, func() { s.runBackfill(ctx) }); err != nil {
			return nil, fmt.Errorf("backfill schedule %q: %w", opts.BackfillSpec, err)
		}
	}
	return s, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("cycle_spec", s.opts.CycleSpec),
		zap.String("backfill_spec", s.opts.BackfillSpec))
}

// Stop stops scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// keep each run bounded
	rctx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	defer cancel()

	_, err := s.opts.Cycles.RunCycle(rctx, engine.Request{})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrCycleInProgress):
		s.logger.Info("skipping tick, cycle still running")
	default:
		s.logger.Error("scheduled cycle failed", zap.Error(err))
	}
}

func (s *Scheduler) runBackfill(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.BackfillTimeout)
	defer cancel()

	_, err := s.opts.Backfill.Run(rctx, backfill.Request{})
	switch {
	case err == nil:
	case errors.Is(err, backfill.ErrBackfillInProgress):
		s.logger.Info("skipping tick, backfill still running")
	default:
		s.logger.Error("scheduled backfill failed", zap.Error(err))
	}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
