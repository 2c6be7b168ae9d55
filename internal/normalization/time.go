package normalization

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"feature-materializer/internal/domain"
)

// ErrTimestampFormat is returned when a native timestamp cannot be parsed
// or lies outside the plausible range.
var ErrTimestampFormat = errors.New("timestamp format")

// TimestampFormatError carries the offending value and its source.
type TimestampFormatError struct {
	Source domain.Source
	Value  any
	Reason string
}

func (e *TimestampFormatError) Error() string {
	return fmt.Sprintf("timestamp format: source=%s value=%v: %s", e.Source, e.Value, e.Reason)
}

func (e *TimestampFormatError) Unwrap() error {
	return ErrTimestampFormat
}

// MinTimestampMs is the earliest accepted instant (2009-01-01T00:00:00Z).
var MinTimestampMs = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// MaxFutureSkew is how far ahead of the clock a timestamp may be.
const MaxFutureSkew = 24 * time.Hour

// secondsThreshold separates epoch seconds from epoch milliseconds by magnitude.
// 1e11 seconds is year 5138, 1e11 ms is March 1973.
const secondsThreshold = 1e11

var calendarLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer converts native timestamps into canonical epoch milliseconds.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a normalizer. A nil clock uses time.Now.
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize returns canonical epoch ms for a calendar value, epoch seconds or epoch ms.
// The result must fall within [2009-01-01, now+24h].
func (n *Normalizer) Normalize(value any, src domain.Source) (int64, error) {
	ms, err := Parse(value)
	if err != nil {
		return 0, &TimestampFormatError{Source: src, Value: value, Reason: err.Error()}
	}
	if ms < MinTimestampMs {
		return 0, &TimestampFormatError{Source: src, Value: value, Reason: "before 2009-01-01"}
	}
	if ms > n.now().Add(MaxFutureSkew).UnixMilli() {
		return 0, &TimestampFormatError{Source: src, Value: value, Reason: "more than 24h in the future"}
	}
	return ms, nil
}

// Parse converts a native timestamp to epoch ms without range checks.
func Parse(value any) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, errors.New("nil timestamp")
	case time.Time:
		if v.IsZero() {
			return 0, errors.New("zero time")
		}
		return v.UnixMilli(), nil
	case *time.Time:
		if v == nil {
			return 0, errors.New("nil timestamp")
		}
		return Parse(*v)
	case int:
		return fromEpoch(float64(v)), nil
	case int32:
		return fromEpoch(float64(v)), nil
	case int64:
		return fromEpochInt(v), nil
	case uint32:
		return fromEpoch(float64(v)), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, errors.New("epoch overflows int64")
		}
		return fromEpochInt(int64(v)), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, errors.New("non-finite epoch")
		}
		return fromEpoch(v), nil
	case float32:
		return Parse(float64(v))
	case []byte:
		return parseText(string(v))
	case string:
		return parseText(v)
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}

func parseText(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty timestamp")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromEpochInt(i), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Parse(f)
	}
	for _, layout := range calendarLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", s)
}

func fromEpochInt(v int64) int64 {
	if v > -secondsThreshold && v < secondsThreshold {
		return v * 1000
	}
	return v
}

func fromEpoch(v float64) int64 {
	if math.Abs(v) < secondsThreshold {
		return int64(math.Round(v * 1000))
	}
	return int64(math.Round(v))
}

// ToNative converts a canonical cursor into the native representation of a store
// so that "after cursor" predicates can be evaluated against native columns.
// Epoch seconds are floored; callers must re-filter on canonical ms.
func ToNative(ms int64, format domain.TimeFormat) any {
	switch format {
	case domain.TimeFormatEpochS:
		return floorDiv(ms, 1000)
	case domain.TimeFormatEpochMs:
		return ms
	default:
		return time.UnixMilli(ms).UTC()
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
