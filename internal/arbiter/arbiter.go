// Package arbiter decides when per-symbol work is abandoned because of write contention.
package arbiter

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"feature-materializer/internal/storage"
)

// DefaultTimeout bounds one attempt of a symbol's unit of work.
const DefaultTimeout = 30 * time.Second

// Outcome is the final state of a symbol's unit of work within a cycle.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeDeferred
	OutcomeFailed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deferral records why a symbol was deferred.
type Deferral struct {
	Symbol string
	Reason string
	At     time.Time
}

// Options for creating an Arbiter.
type Options struct {
	Timeout time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
}

// Arbiter runs per-symbol work under a timeout and keeps the set of symbols
// deferred to the next cycle.
type Arbiter struct {
	timeout  time.Duration
	deferred *xsync.Map[string, Deferral]
	now      func() time.Time
	logger   *zap.Logger
}

// New creates an Arbiter.
func New(opts Options) *Arbiter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Arbiter{
		timeout:  opts.Timeout,
		deferred: xsync.NewMap[string, Deferral](),
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Timeout returns the per-attempt timeout.
func (a *Arbiter) Timeout() time.Duration {
	return a.timeout
}

// Run executes fn for a symbol with the per-attempt timeout.
// A lock timeout, or the attempt running out of time, defers the symbol and
// returns OutcomeDeferred with a nil error. Any other failure is returned
// with OutcomeFailed. Cancellation of ctx itself is reported as a failure.
func (a *Arbiter) Run(ctx context.Context, symbol string, fn func(ctx context.Context) error) (Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return OutcomeCommitted, nil
	}

	if ctx.Err() == nil && (errors.Is(err, storage.ErrLockTimeout) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded)) {
		a.logger.Warn("lock wait timeout, deferring symbol to next cycle",
			zap.String("symbol", symbol),
			zap.Duration("timeout", a.timeout),
			zap.Error(err))
		a.Defer(symbol, err.Error())
		return OutcomeDeferred, nil
	}

	return OutcomeFailed, err
}

// Defer marks a symbol as deferred to the next cycle.
func (a *Arbiter) Defer(symbol, reason string) {
	a.deferred.Store(symbol, Deferral{Symbol: symbol, Reason: reason, At: a.now()})
}

// IsDeferred reports whether a symbol is waiting for the next cycle.
func (a *Arbiter) IsDeferred(symbol string) bool {
	_, ok := a.deferred.Load(symbol)
	return ok
}

// Deferred lists deferred symbols without clearing them, ordered by symbol.
func (a *Arbiter) Deferred() []Deferral {
	var out []Deferral
	a.deferred.Range(func(_ string, d Deferral) bool {
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TakeDeferred returns and clears the deferred set. Called at cycle start.
func (a *Arbiter) TakeDeferred() []string {
	var out []string
	a.deferred.Range(func(symbol string, _ Deferral) bool {
		out = append(out, symbol)
		return true
	})
	for _, s := range out {
		a.deferred.Delete(s)
	}
	sort.Strings(out)
	return out
}
