package normalization

import "fmt"

// Granularity is the bucket width used for record keys.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Millis returns the bucket width in milliseconds.
func (g Granularity) Millis() int64 {
	switch g {
	case GranularityMinute:
		return 60_000
	case GranularityHour:
		return 3_600_000
	default:
		return 86_400_000
	}
}

// ParseGranularity converts a config value into a Granularity.
// An empty value selects day.
func ParseGranularity(v string) (Granularity, error) {
	switch Granularity(v) {
	case "":
		return GranularityDay, nil
	case GranularityMinute, GranularityHour, GranularityDay:
		return Granularity(v), nil
	default:
		return "", fmt.Errorf("unknown granularity %q", v)
	}
}

// Bucket truncates canonical ms to the start of its UTC bucket.
func Bucket(ms int64, g Granularity) int64 {
	w := g.Millis()
	return floorDiv(ms, w) * w
}
