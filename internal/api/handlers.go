package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"feature-materializer/internal/backfill"
	"feature-materializer/internal/domain"
	"feature-materializer/internal/engine"
	"feature-materializer/internal/reporting"
	"feature-materializer/internal/storage"
)

// runRequest is the body of POST /v1/cycles, /v1/backfills and /v1/corrections.
// Cycles accept only Symbols and To; Source is used by corrections only.
type runRequest struct {
	Symbols []string  `json:"symbols"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Source  string    `json:"source"`
}

func decodeRunRequest(r *http.Request) (*runRequest, error) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	return &req, nil
}

// statusFor maps a run error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrCycleInProgress), errors.Is(err, backfill.ErrBackfillInProgress):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrStoreUnavailable), errors.Is(err, storage.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeRun answers with the summary, or the error alongside a partial summary.
func (s *Server) writeRun(w http.ResponseWriter, kind string, summary *domain.CycleSummary, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, summary)
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(kind+" trigger failed", zap.Error(err))
	}
	if summary == nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "summary": summary})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.From.IsZero() {
		writeError(w, http.StatusBadRequest, "cycles start at the source cursors; use a backfill for a lower bound")
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	summary, err := s.cycles.RunCycle(ctx, engine.Request{Symbols: req.Symbols, To: req.To})
	s.writeRun(w, "cycle", summary, err)
}

func (s *Server) handleLastCycle(w http.ResponseWriter, _ *http.Request) {
	last := s.cycles.LastSummary()
	if last == nil {
		writeError(w, http.StatusNotFound, "no cycle has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) handleDeferred(w http.ResponseWriter, _ *http.Request) {
	type deferral struct {
		Symbol string    `json:"symbol"`
		Reason string    `json:"reason"`
		At     time.Time `json:"at"`
	}
	out := make([]deferral, 0)
	for _, d := range s.cycles.Deferred() {
		out = append(out, deferral{Symbol: d.Symbol, Reason: d.Reason, At: d.At})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunBackfill(w http.ResponseWriter, r *http.Request) {
	if s.backfills == nil {
		writeError(w, http.StatusNotImplemented, "backfill is disabled")
		return
	}
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	summary, err := s.backfills.Run(ctx, backfill.Request{Symbols: req.Symbols, From: req.From, To: req.To})
	s.writeRun(w, "backfill", summary, err)
}

func (s *Server) handleRunCorrection(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src, err := domain.ParseSource(req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	summary, err := s.cycles.Correct(ctx, engine.CorrectionRequest{
		Symbols: req.Symbols,
		Source:  src,
		FromMs:  req.From.UnixMilli(),
		ToMs:    req.To.UnixMilli(),
	})
	s.writeRun(w, "correction", summary, err)
}

func (s *Server) handleCursors(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	cursors, err := s.cursors.List(r.Context(), symbol)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	type cursor struct {
		Source          string `json:"source"`
		LastProcessedMs int64  `json:"last_processed_ms"`
		UpdatedAtMs     int64  `json:"updated_at_ms"`
	}
	out := make([]cursor, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, cursor{Source: c.Source.String(), LastProcessedMs: c.LastProcessedMs, UpdatedAtMs: c.UpdatedAtMs})
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "cursors": out})
}

// recordView is the JSON shape of a materialized record.
type recordView struct {
	Symbol        string                    `json:"symbol"`
	Bucket        time.Time                 `json:"bucket"`
	BucketMs      int64                     `json:"bucket_ms"`
	Values        map[string]float64        `json:"values"`
	Completeness  map[domain.Source]float64 `json:"completeness"`
	LastUpdatedMs int64                     `json:"last_updated_ms"`
}

// handleRecords serves GET /v1/records/{symbol}?from=&to=&format= where the bounds
// are RFC 3339 times or epoch milliseconds, both inclusive. Defaults to the last 7 days.
// format=csv renders one catalog column per field.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	now := s.now()

	from, err := parseBound(r.URL.Query().Get("from"), now.Add(-7*24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseBound(r.URL.Query().Get("to"), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if to < from {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	records, err := s.features.GetRange(r.Context(), symbol, from, to)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, reporting.RenderRecordsCSV(records))
		return
	}

	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, recordView{
			Symbol:        rec.Symbol,
			Bucket:        time.UnixMilli(rec.BucketMs).UTC(),
			BucketMs:      rec.BucketMs,
			Values:        rec.Values,
			Completeness:  rec.Completeness,
			LastUpdatedMs: rec.LastUpdatedMs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleVerify serves GET /v1/verify/{symbol}?from=&to= over [from, to).
// Bounds parse like the records endpoint and default to the last 7 days.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, http.StatusNotImplemented, "verification is disabled")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	now := s.now()

	from, err := parseBound(r.URL.Query().Get("from"), now.Add(-7*24*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseBound(r.URL.Query().Get("to"), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}

	ctx, cancel := s.runContext(r)
	defer cancel()

	report, err := s.verifier.VerifyRange(ctx, symbol, from, to)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("verification failed", zap.String("symbol", symbol), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseBound(v string, def time.Time) (int64, error) {
	if v == "" {
		return def.UnixMilli(), nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
