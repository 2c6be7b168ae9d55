package domain

// RawRow is a row read from a source store before timestamp normalization.
// NativeTime keeps whatever the store returned: time.Time, integer epoch
// seconds or milliseconds, or text.
type RawRow struct {
	Symbol     string
	Source     Source
	NativeTime any
	Values     map[string]float64 // non-null value columns by field name
}

// Row is a source row with a canonical timestamp.
type Row struct {
	Symbol      string
	Source      Source
	TimestampMs int64 // canonical epoch ms
	Values      map[string]float64
}
