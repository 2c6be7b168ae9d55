package domain

import "fmt"

// Source identifies the collaborator store a row or field originates from.
type Source string

const (
	SourcePrice     Source = "price"
	SourceTechnical Source = "technical"
	SourceMacro     Source = "macro"
	SourceOnchain   Source = "onchain"
	SourceSentiment Source = "sentiment"
)

// AllSources lists every source in processing order.
// Within one symbol, sources are always visited in this order so repeated
// runs over the same inputs converge to the same record.
var AllSources = []Source{
	SourcePrice,
	SourceTechnical,
	SourceMacro,
	SourceOnchain,
	SourceSentiment,
}

// String returns the string representation of Source.
func (s Source) String() string {
	return string(s)
}

// IsValid checks if the source is a known value.
func (s Source) IsValid() bool {
	return s.Rank() >= 0
}

// Rank returns the position of the source in AllSources, or -1 if unknown.
func (s Source) Rank() int {
	for i, src := range AllSources {
		if src == s {
			return i
		}
	}
	return -1
}

// ParseSource converts a string into a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown source %q", v)
	}
	return s, nil
}

// TimeFormat is the native timestamp representation used by a source store.
type TimeFormat string

const (
	TimeFormatCalendar TimeFormat = "calendar" // timestamp/datetime column
	TimeFormatEpochS   TimeFormat = "epoch_s"  // integer seconds since epoch
	TimeFormatEpochMs  TimeFormat = "epoch_ms" // integer milliseconds since epoch
)

// IsValid checks if the format is a known value.
func (f TimeFormat) IsValid() bool {
	return f == TimeFormatCalendar || f == TimeFormatEpochS || f == TimeFormatEpochMs
}
