package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feature-materializer/internal/arbiter"
	"feature-materializer/internal/commit"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/normalization"
	"feature-materializer/internal/processor"
	"feature-materializer/internal/storage"
	"feature-materializer/internal/storage/memory"
	"feature-materializer/internal/window"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func dayMs(n int) int64 {
	return day(n).UnixMilli()
}

// guardedStore wraps the memory store with per-symbol failure injection.
type guardedStore struct {
	*memory.FeatureStore

	mu      sync.Mutex
	locked  map[string]bool
	broken  map[string]bool
	pingErr error
}

func newGuardedStore() *guardedStore {
	return &guardedStore{
		FeatureStore: memory.NewFeatureStore(),
		locked:       make(map[string]bool),
		broken:       make(map[string]bool),
	}
}

func (s *guardedStore) UpsertBatch(ctx context.Context, upserts []*domain.PendingUpsert) (*storage.UpsertStats, error) {
	s.mu.Lock()
	for _, u := range upserts {
		if s.locked[u.Symbol()] {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s row locked", storage.ErrLockTimeout, u.Symbol())
		}
		if s.broken[u.Symbol()] {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: check constraint violated", storage.ErrCommitFailure)
		}
	}
	s.mu.Unlock()
	return s.FeatureStore.UpsertBatch(ctx, upserts)
}

func (s *guardedStore) Ping(context.Context) error {
	return s.pingErr
}

// trackingReader records how many reads of one symbol overlap.
type trackingReader struct {
	*memory.SourceStore

	mu          sync.Mutex
	inFlight    map[string]int
	maxInFlight int
}

func (r *trackingReader) FetchAfter(ctx context.Context, symbol string, afterMs int64, limit int) ([]*domain.RawRow, error) {
	r.mu.Lock()
	r.inFlight[symbol]++
	r.maxInFlight = max(r.maxInFlight, r.inFlight[symbol])
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight[symbol]--
		r.mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	return r.SourceStore.FetchAfter(ctx, symbol, afterMs, limit)
}

type harness struct {
	price, technical, macro *memory.SourceStore
	features                *guardedStore
	cursors                 *memory.CursorStore
	arbiter                 *arbiter.Arbiter
	engine                  *Engine
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h := &harness{
		price:     memory.NewSourceStore(domain.SourcePrice),
		technical: memory.NewSourceStore(domain.SourceTechnical),
		macro:     memory.NewSourceStore(domain.SourceMacro),
		features:  newGuardedStore(),
		cursors:   memory.NewCursorStore(),
		arbiter:   arbiter.New(arbiter.Options{Timeout: 5 * time.Second, Logger: logger}),
	}

	proc := processor.New([]storage.SourceReader{h.price, h.technical, h.macro}, processor.Options{
		Granularity: normalization.GranularityDay,
		Window:      window.NewAccumulator(20),
		Now:         func() time.Time { return day(400) },
		Logger:      logger,
	})
	commits := commit.NewManager(h.features, commit.Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Logger:         logger,
	})

	opts := Options{
		Processor: proc,
		Commits:   commits,
		Arbiter:   h.arbiter,
		Features:  h.features,
		Cursors:   h.cursors,
		Workers:   4,
		Logger:    logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.engine = New(opts)
	return h
}

func (h *harness) addPrices(t *testing.T, symbol string, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, h.price.Append(&domain.RawRow{
			Symbol:     symbol,
			NativeTime: day(i),
			Values:     map[string]float64{"close": 100 + float64(i), "volume": 10},
		}))
	}
}

func TestRunCycle_BandScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 20)
	ctx := context.Background()

	summary, err := h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SymbolsProcessed)
	assert.Equal(t, 21, summary.RecordsCreated)
	assert.Equal(t, 21, summary.RowsEnriched)
	assert.Equal(t, 20, summary.PartialWindows)
	assert.Equal(t, 1, summary.BatchCommits)
	assert.NotEmpty(t, summary.CycleID)

	t20, err := h.features.Get(ctx, "BTC", dayMs(20))
	require.NoError(t, err)
	require.NotNil(t, t20.Get(domain.FieldBBUpper))
	assert.InDelta(t, 109.5, t20.Values[domain.FieldSMA], 1e-9)

	for _, n := range []int{5, 19} {
		rec, err := h.features.Get(ctx, "BTC", dayMs(n))
		require.NoError(t, err)
		assert.Nil(t, rec.Get(domain.FieldBBUpper), "bucket t%d must have null bands", n)
		assert.Nil(t, rec.Get(domain.FieldSMA), "bucket t%d must have null bands", n)
	}

	cursors, err := h.cursors.GetOutstanding(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, dayMs(20), cursors[domain.SourcePrice])

	assert.Same(t, summary, h.engine.LastSummary())
}

func TestRunCycle_SecondCycleWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 25)
	h.addPrices(t, "ETH", 0, 25)
	require.NoError(t, h.macro.Append(&domain.RawRow{Symbol: "BTC", NativeTime: day(3), Values: map[string]float64{"vix": 14}}))
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	writes := h.features.WriteCount()
	before, err := h.features.GetRange(ctx, "BTC", 0, dayMs(100))
	require.NoError(t, err)

	summary, err := h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Zero(t, summary.RecordsCreated)
	assert.Zero(t, summary.RecordsUpdated)
	assert.Equal(t, writes, h.features.WriteCount())

	after, err := h.features.GetRange(ctx, "BTC", 0, dayMs(100))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunCycle_ReprocessingFromScratchChangesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 25)
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	writes := h.features.WriteCount()

	// Same data, forgotten cursors and a cold window: every record is re-derived
	proc := processor.New([]storage.SourceReader{h.price}, processor.Options{
		Window: window.NewAccumulator(20),
		Now:    func() time.Time { return day(400) },
	})
	replay := New(Options{Processor: proc, Features: h.features, Cursors: memory.NewCursorStore()})

	summary, err := replay.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Zero(t, summary.RecordsCreated)
	assert.Zero(t, summary.RecordsUpdated)
	assert.Equal(t, 26, summary.RecordsSkipped)
	assert.Equal(t, writes, h.features.WriteCount())
}

func TestRunCycle_LockedSymbolDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, nil)
	for _, sym := range []string{"BTC", "ETH", "SOL"} {
		h.addPrices(t, sym, 0, 2)
	}
	h.features.locked["ETH"] = true
	ctx := context.Background()

	summary, err := h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SymbolsProcessed)
	assert.Equal(t, []string{"ETH"}, summary.SymbolsDeferred)
	assert.Equal(t, 1, summary.Errors[domain.ErrorKindLockTimeout])
	assert.Equal(t, 6, summary.RecordsCreated)

	for _, sym := range []string{"BTC", "SOL"} {
		cursors, err := h.cursors.GetOutstanding(ctx, sym)
		require.NoError(t, err)
		assert.Equal(t, dayMs(2), cursors[domain.SourcePrice], sym)
	}
	eth, err := h.cursors.GetOutstanding(ctx, "ETH")
	require.NoError(t, err)
	assert.Zero(t, eth[domain.SourcePrice], "deferred symbol must keep its cursor")
	assert.True(t, h.arbiter.IsDeferred("ETH"))

	// Contention clears: the deferred symbol is picked up by the next cycle
	h.features.mu.Lock()
	delete(h.features.locked, "ETH")
	h.features.mu.Unlock()

	summary, err = h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Empty(t, summary.SymbolsDeferred)
	assert.Equal(t, 3, summary.RecordsCreated)
	assert.False(t, h.arbiter.IsDeferred("ETH"))
}

func TestRunCycle_UnavailableSourceKeepsItsCursor(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 2)
	require.NoError(t, h.technical.Append(&domain.RawRow{Symbol: "BTC", NativeTime: dayMs(1), Values: map[string]float64{"rsi_14": 50}}))
	h.technical.SetUnavailable(true)
	ctx := context.Background()

	summary, err := h.engine.RunCycle(ctx, Request{Symbols: []string{"BTC"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors[domain.ErrorKindSourceUnavailable])

	cursors, err := h.cursors.GetOutstanding(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, dayMs(2), cursors[domain.SourcePrice])
	assert.Zero(t, cursors[domain.SourceTechnical])

	h.technical.SetUnavailable(false)
	_, err = h.engine.RunCycle(ctx, Request{Symbols: []string{"BTC"}})
	require.NoError(t, err)

	rec, err := h.features.Get(ctx, "BTC", dayMs(1))
	require.NoError(t, err)
	assert.Equal(t, 50.0, rec.Values["rsi_14"])
}

func TestRunCycle_CommitFailureAlertsAfterThreshold(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AlertThreshold = 3 })
	h.addPrices(t, "BTC", 0, 1)
	h.features.broken["BTC"] = true
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		summary, err := h.engine.RunCycle(ctx, Request{})
		require.NoError(t, err, "commit failures stay inside the summary")
		assert.Equal(t, []string{"BTC"}, summary.SymbolsFailed)
		assert.Equal(t, 1, summary.Errors[domain.ErrorKindCommitFailure])
		assert.Equal(t, i, h.engine.FailureStreak("BTC"))
	}

	cursors, err := h.cursors.GetOutstanding(ctx, "BTC")
	require.NoError(t, err)
	assert.Zero(t, cursors[domain.SourcePrice])

	h.features.broken["BTC"] = false
	_, err = h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Zero(t, h.engine.FailureStreak("BTC"))
}

func TestRunCycle_StoreUnavailableAborts(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 1)
	h.features.pingErr = fmt.Errorf("%w: connection refused", storage.ErrStoreUnavailable)

	summary, err := h.engine.RunCycle(context.Background(), Request{})
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.True(t, summary.Aborted)
	assert.Zero(t, summary.SymbolsProcessed)
}

func TestRunCycle_SoftDeadlineDefersUnstartedSymbols(t *testing.T) {
	base := day(400)
	var calls atomic.Int64
	clock := func() time.Time {
		if calls.Add(1) == 1 {
			return base
		}
		return base.Add(time.Hour)
	}

	h := newHarness(t, func(o *Options) {
		o.Now = clock
		o.SoftDeadline = time.Minute
	})
	h.addPrices(t, "BTC", 0, 1)
	h.addPrices(t, "ETH", 0, 1)

	summary, err := h.engine.RunCycle(context.Background(), Request{})
	require.NoError(t, err)
	assert.Zero(t, summary.SymbolsProcessed)
	assert.Equal(t, []string{"BTC", "ETH"}, summary.SymbolsDeferred)
	assert.Zero(t, h.features.WriteCount())
	assert.True(t, h.arbiter.IsDeferred("BTC"))
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.running.Store(true)

	_, err := h.engine.RunCycle(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrCycleInProgress)
}

func TestRunCycle_RepeatedSymbolRunsOnce(t *testing.T) {
	var tracker *trackingReader
	h := newHarness(t, func(o *Options) {
		tracker = &trackingReader{
			SourceStore: memory.NewSourceStore(domain.SourcePrice),
			inFlight:    make(map[string]int),
		}
		o.Processor = processor.New([]storage.SourceReader{tracker}, processor.Options{
			Window: window.NewAccumulator(20),
			Now:    func() time.Time { return day(400) },
			Logger: o.Logger,
		})
	})
	for i := 0; i <= 2; i++ {
		require.NoError(t, tracker.Append(&domain.RawRow{
			Symbol:     "BTC",
			NativeTime: day(i),
			Values:     map[string]float64{"close": 100 + float64(i), "volume": 10},
		}))
	}

	summary, err := h.engine.RunCycle(context.Background(), Request{Symbols: []string{"BTC", "BTC", "BTC"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SymbolsProcessed)
	assert.Equal(t, 3, summary.RecordsCreated)
	assert.Equal(t, 3, summary.RowsEnriched)
	assert.Equal(t, 1, tracker.maxInFlight)
}

func TestRunCycle_StopsAtRequestedBound(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 5)
	ctx := context.Background()

	summary, err := h.engine.RunCycle(ctx, Request{To: day(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RecordsCreated)

	cursors, err := h.cursors.GetOutstanding(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, dayMs(2), cursors[domain.SourcePrice])
	_, err = h.features.Get(ctx, "BTC", dayMs(3))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	summary, err = h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.RecordsCreated)

	cursors, err = h.cursors.GetOutstanding(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, dayMs(5), cursors[domain.SourcePrice])
}

func TestPrioritize(t *testing.T) {
	assert.Equal(t, []string{"ETH", "BTC"}, prioritize([]string{"BTC", "ETH", "BTC"}, []string{"ETH", "ETH"}, false))
	assert.Equal(t, []string{"SOL", "BTC"}, prioritize([]string{"BTC"}, []string{"SOL"}, true))
	assert.Equal(t, []string{"BTC"}, prioritize([]string{"BTC"}, []string{"SOL"}, false))
}

func TestCorrect_RejectsWhileCycleRuns(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 2)
	h.engine.running.Store(true)

	_, err := h.engine.Correct(context.Background(), CorrectionRequest{
		Symbols: []string{"BTC"},
		Source:  domain.SourcePrice,
		FromMs:  dayMs(0),
		ToMs:    dayMs(3),
	})
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Zero(t, h.features.WriteCount())

	h.engine.running.Store(false)
	summary, err := h.engine.Correct(context.Background(), CorrectionRequest{
		Symbols: []string{"BTC", "BTC"},
		Source:  domain.SourcePrice,
		FromMs:  dayMs(0),
		ToMs:    dayMs(3),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SymbolsProcessed)
	assert.Equal(t, 3, summary.RecordsCreated)
	assert.False(t, h.engine.Running())
}

func TestCorrect_OverwritesOnlyItsSource(t *testing.T) {
	h := newHarness(t, nil)
	h.addPrices(t, "BTC", 0, 2)
	require.NoError(t, h.macro.Append(&domain.RawRow{Symbol: "BTC", NativeTime: day(1), Values: map[string]float64{"vix": 14}}))
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx, Request{})
	require.NoError(t, err)

	// The provider revises its value for day 1
	h.macro.Replace("BTC", dayMs(1), map[string]float64{"vix": 16})

	summary, err := h.engine.Correct(ctx, CorrectionRequest{
		Symbols: []string{"BTC"},
		Source:  domain.SourceMacro,
		FromMs:  dayMs(0),
		ToMs:    dayMs(3),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeCorrection, summary.Mode)
	assert.Equal(t, 1, summary.RecordsUpdated)

	rec, err := h.features.Get(ctx, "BTC", dayMs(1))
	require.NoError(t, err)
	assert.Equal(t, 16.0, rec.Values["vix"])
	assert.Equal(t, 101.0, rec.Values["close"])

	_, err = h.engine.Correct(ctx, CorrectionRequest{Source: domain.SourceMacro, FromMs: 5, ToMs: 5})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAdvanceTarget(t *testing.T) {
	mk := func(min, max int64, state domain.UpsertState) *domain.PendingUpsert {
		u := domain.NewPendingUpsert("BTC", min)
		u.Observe(domain.SourcePrice, min)
		u.Observe(domain.SourcePrice, max)
		u.State = state
		return u
	}

	ups := []*domain.PendingUpsert{
		mk(10, 19, domain.UpsertCommitted),
		mk(20, 29, domain.UpsertCommitted),
		mk(30, 39, domain.UpsertDeferred),
		mk(40, 49, domain.UpsertCommitted),
	}
	to, ok := advanceTarget(domain.SourcePrice, 5, ups)
	assert.True(t, ok)
	assert.Equal(t, int64(29), to)

	_, ok = advanceTarget(domain.SourceMacro, 5, ups)
	assert.False(t, ok)

	ups[0].State = domain.UpsertFailed
	_, ok = advanceTarget(domain.SourcePrice, 5, ups)
	assert.False(t, ok)
}
