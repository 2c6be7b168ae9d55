package domain

// SourceCursor is the last fully processed position for a (symbol, source).
// Corresponds to source_cursors table in PostgreSQL.
type SourceCursor struct {
	Symbol          string
	Source          Source
	LastProcessedMs int64 // canonical epoch ms, 0 if nothing processed yet
	UpdatedAtMs     int64
}
