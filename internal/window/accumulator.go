package window

import (
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

// DefaultSize is the number of observations in a full window.
const DefaultSize = 20

// DefaultK is the default band width in standard deviations.
const DefaultK = 2.0

var (
	// ErrPartialWindow is returned when fewer than Size observations are buffered.
	// Callers leave band fields null; it is expected incompleteness, not a failure.
	ErrPartialWindow = errors.New("partial window")

	// ErrOutOfOrder is returned when a push is not strictly later than the last one.
	ErrOutOfOrder = errors.New("out-of-order push")
)

// Point is one price observation.
type Point struct {
	TimestampMs int64
	Price       float64
}

// buffer is a fixed-capacity ring of the most recent observations.
type buffer struct {
	points []Point
	head   int // index of the oldest point once full
	full   bool
	last   int64
}

func newBuffer(size int) *buffer {
	return &buffer{points: make([]Point, 0, size)}
}

func (b *buffer) push(p Point) {
	if !b.full {
		b.points = append(b.points, p)
		b.full = len(b.points) == cap(b.points)
	} else {
		b.points[b.head] = p
		b.head = (b.head + 1) % len(b.points)
	}
	b.last = p.TimestampMs
}

// prices returns buffered prices oldest first.
func (b *buffer) prices() []float64 {
	out := make([]float64, 0, len(b.points))
	for i := 0; i < len(b.points); i++ {
		out = append(out, b.points[(b.head+i)%len(b.points)].Price)
	}
	return out
}

// Accumulator keeps a bounded, timestamp-ordered price buffer per symbol.
// Different symbols may be pushed concurrently; pushes for one symbol must be sequential.
type Accumulator struct {
	size    int
	buffers *xsync.Map[string, *buffer]
}

// NewAccumulator creates an accumulator with the given window size.
func NewAccumulator(size int) *Accumulator {
	if size <= 0 {
		size = DefaultSize
	}
	return &Accumulator{
		size:    size,
		buffers: xsync.NewMap[string, *buffer](),
	}
}

// Size returns the window capacity.
func (a *Accumulator) Size() int {
	return a.size
}

// Push appends an observation, evicting the oldest when full.
// Returns ErrOutOfOrder if ts is not after the last pushed timestamp.
func (a *Accumulator) Push(symbol string, ts int64, price float64) error {
	var pushErr error
	a.buffers.Compute(symbol, func(b *buffer, loaded bool) (*buffer, xsync.ComputeOp) {
		if !loaded {
			b = newBuffer(a.size)
		} else if len(b.points) > 0 && ts <= b.last {
			pushErr = fmt.Errorf("%w: symbol=%s ts=%d last=%d", ErrOutOfOrder, symbol, ts, b.last)
			return b, xsync.CancelOp
		}
		b.push(Point{TimestampMs: ts, Price: price})
		return b, xsync.UpdateOp
	})
	return pushErr
}

// Statistics returns window statistics, or ErrPartialWindow when count < size.
func (a *Accumulator) Statistics(symbol string) (Stats, error) {
	b, ok := a.buffers.Load(symbol)
	if !ok || !b.full {
		count := 0
		if ok {
			count = len(b.points)
		}
		return Stats{Count: count}, ErrPartialWindow
	}
	return ComputeStats(b.prices()), nil
}

// Bands returns mean ± k·σ over a full window, or ErrPartialWindow.
func (a *Accumulator) Bands(symbol string, k float64) (Bands, error) {
	s, err := a.Statistics(symbol)
	if err != nil {
		return Bands{}, err
	}
	return BandsFrom(s, k), nil
}

// LastTimestamp returns the timestamp of the most recent push.
func (a *Accumulator) LastTimestamp(symbol string) (int64, bool) {
	b, ok := a.buffers.Load(symbol)
	if !ok || len(b.points) == 0 {
		return 0, false
	}
	return b.last, true
}

// Seed replaces the buffer for a symbol with the given ascending points.
// Only the last Size points are kept.
func (a *Accumulator) Seed(symbol string, points []Point) error {
	b := newBuffer(a.size)
	for i, p := range points {
		if i > 0 && p.TimestampMs <= points[i-1].TimestampMs {
			return fmt.Errorf("%w: seed for %s not ascending at index %d", ErrOutOfOrder, symbol, i)
		}
		b.push(p)
	}
	a.buffers.Store(symbol, b)
	return nil
}

// Reset drops the buffer for a symbol.
func (a *Accumulator) Reset(symbol string) {
	a.buffers.Delete(symbol)
}
