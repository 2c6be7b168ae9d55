package domain

import "time"

// CycleMode distinguishes the live incremental path from reconciliation.
type CycleMode string

const (
	ModeIncremental CycleMode = "incremental"
	ModeBackfill    CycleMode = "backfill"
	ModeCorrection  CycleMode = "correction"
)

// Error kinds counted in CycleSummary.Errors.
const (
	ErrorKindTimestampFormat   = "timestamp_format"
	ErrorKindSourceUnavailable = "source_unavailable"
	ErrorKindLockTimeout       = "lock_timeout"
	ErrorKindCommitFailure     = "commit_failure"
	ErrorKindStoreUnavailable  = "store_unavailable"
	ErrorKindOther             = "other"
)

// CycleSummary reports what one engine cycle or backfill sweep did.
type CycleSummary struct {
	CycleID   string        `json:"cycle_id"`
	Mode      CycleMode     `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	SymbolsProcessed int      `json:"symbols_processed"`
	SymbolsDeferred  []string `json:"symbols_deferred"`
	SymbolsFailed    []string `json:"symbols_failed"`

	RowsRead       int `json:"rows_read"`
	RowsSkipped    int `json:"rows_skipped"`
	RowsEnriched   int `json:"rows_enriched"`
	PartialWindows int `json:"partial_windows"`

	RecordsCreated int `json:"records_created"`
	RecordsUpdated int `json:"records_updated"`
	RecordsSkipped int `json:"records_skipped"`
	BatchCommits   int `json:"batch_commits"`

	Errors  map[string]int `json:"errors"`
	Aborted bool           `json:"aborted"`
}

// NewCycleSummary creates an empty summary.
func NewCycleSummary(id string, mode CycleMode, startedAt time.Time) *CycleSummary {
	return &CycleSummary{
		CycleID:   id,
		Mode:      mode,
		StartedAt: startedAt,
		Errors:    make(map[string]int),
	}
}

// AddError counts an error of the given kind.
func (s *CycleSummary) AddError(kind string, n int) {
	if n <= 0 {
		return
	}
	if s.Errors == nil {
		s.Errors = make(map[string]int)
	}
	s.Errors[kind] += n
}

// UniqueSymbols drops empty and repeated symbols, keeping first occurrences in order.
// Work for one symbol must never be scheduled twice in a run.
func UniqueSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
