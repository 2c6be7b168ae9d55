// Package api exposes manual triggers and read endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"feature-materializer/internal/arbiter"
	"feature-materializer/internal/backfill"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/engine"
	"feature-materializer/internal/storage"
	"feature-materializer/internal/verification"
)

// DefaultRunTimeout bounds a manually triggered run.
const DefaultRunTimeout = 10 * time.Minute

// Cycles is the engine surface the API drives.
type Cycles interface {
	RunCycle(ctx context.Context, req engine.Request) (*domain.CycleSummary, error)
	Correct(ctx context.Context, req engine.CorrectionRequest) (*domain.CycleSummary, error)
	LastSummary() *domain.CycleSummary
	Running() bool
	Deferred() []arbiter.Deferral
}

// Backfills runs reconciliation passes.
type Backfills interface {
	Run(ctx context.Context, req backfill.Request) (*domain.CycleSummary, error)
}

// Verifier diffs stored records against a recomputation from the sources.
type Verifier interface {
	VerifyRange(ctx context.Context, symbol string, fromMs, toMs int64) (*verification.Report, error)
}

// Options for creating a Server.
type Options struct {
	Cycles    Cycles
	Backfills Backfills
	Verifier  Verifier
	Features  storage.FeatureStore
	Cursors   storage.CursorStore
	Metrics   http.Handler // served on /metrics when set

	RunTimeout time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

// Server handles HTTP requests.
type Server struct {
	cycles    Cycles
	backfills Backfills
	verifier  Verifier
	features  storage.FeatureStore
	cursors   storage.CursorStore
	metrics   http.Handler

	runTimeout time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		cycles:     opts.Cycles,
		backfills:  opts.Backfills,
		verifier:   opts.Verifier,
		features:   opts.Features,
		cursors:    opts.Cursors,
		metrics:    opts.Metrics,
		runTimeout: opts.RunTimeout,
		now:        opts.Now,
		logger:     opts.Logger.With(zap.String("component", "api")),
	}
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/cycles", s.handleRunCycle).Methods(http.MethodPost)
	v1.HandleFunc("/cycles/last", s.handleLastCycle).Methods(http.MethodGet)
	v1.HandleFunc("/deferred", s.handleDeferred).Methods(http.MethodGet)
	v1.HandleFunc("/backfills", s.handleRunBackfill).Methods(http.MethodPost)
	v1.HandleFunc("/corrections", s.handleRunCorrection).Methods(http.MethodPost)
	v1.HandleFunc("/cursors/{symbol}", s.handleCursors).Methods(http.MethodGet)
	v1.HandleFunc("/records/{symbol}", s.handleRecords).Methods(http.MethodGet)
	v1.HandleFunc("/verify/{symbol}", s.handleVerify).Methods(http.MethodGet)

	return r
}

// runContext detaches a manual run from the request so a dropped client
// does not cancel writes in flight.
func (s *Server) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.features.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "cycle_running": s.cycles.Running()})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
