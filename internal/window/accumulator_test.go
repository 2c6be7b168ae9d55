package window

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

func TestComputeStats_Population(t *testing.T) {
	s := ComputeStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	assert.InDelta(t, 5.0, s.Mean, eps)
	// population σ = 2, sample σ would be ~2.138
	assert.InDelta(t, 2.0, s.StdDev, eps)
	assert.Equal(t, 8, s.Count)
}

func TestAccumulator_FullWindowBands(t *testing.T) {
	acc := NewAccumulator(20)

	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 100 + float64(i)*1.5
		require.NoError(t, acc.Push("BTC", int64(i+1)*1000, prices[i]))
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / 20
	var sq float64
	for _, p := range prices {
		sq += (p - mean) * (p - mean)
	}
	sigma := math.Sqrt(sq / 20)

	b, err := acc.Bands("BTC", 2)
	require.NoError(t, err)
	assert.InDelta(t, mean, b.Middle, eps)
	assert.InDelta(t, sigma, b.StdDev, eps)
	assert.InDelta(t, mean+2*sigma, b.Upper, eps)
	assert.InDelta(t, mean-2*sigma, b.Lower, eps)
}

func TestAccumulator_PartialWindow(t *testing.T) {
	acc := NewAccumulator(20)

	for i := 0; i < 19; i++ {
		require.NoError(t, acc.Push("ETH", int64(i+1), float64(i)))
	}

	s, err := acc.Statistics("ETH")
	assert.True(t, errors.Is(err, ErrPartialWindow))
	assert.Equal(t, 19, s.Count)

	_, err = acc.Bands("ETH", 2)
	assert.True(t, errors.Is(err, ErrPartialWindow))

	_, err = acc.Statistics("UNKNOWN")
	assert.True(t, errors.Is(err, ErrPartialWindow))
}

func TestAccumulator_Eviction(t *testing.T) {
	acc := NewAccumulator(3)

	for i, p := range []float64{1, 2, 3, 10, 20} {
		require.NoError(t, acc.Push("SOL", int64(i+1), p))
	}

	s, err := acc.Statistics("SOL")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 11.0, s.Mean, eps) // 3, 10, 20

	last, ok := acc.LastTimestamp("SOL")
	require.True(t, ok)
	assert.Equal(t, int64(5), last)
}

func TestAccumulator_RejectsOutOfOrder(t *testing.T) {
	acc := NewAccumulator(3)

	require.NoError(t, acc.Push("BTC", 10, 1))
	err := acc.Push("BTC", 10, 2)
	assert.True(t, errors.Is(err, ErrOutOfOrder))
	err = acc.Push("BTC", 5, 2)
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	last, _ := acc.LastTimestamp("BTC")
	assert.Equal(t, int64(10), last)
}

func TestAccumulator_SeedAndReset(t *testing.T) {
	acc := NewAccumulator(2)

	err := acc.Seed("BTC", []Point{{1, 1}, {2, 2}, {3, 3}})
	require.NoError(t, err)

	s, err := acc.Statistics("BTC")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, s.Mean, eps)

	err = acc.Seed("BTC", []Point{{2, 1}, {1, 2}})
	assert.True(t, errors.Is(err, ErrOutOfOrder))

	acc.Reset("BTC")
	_, ok := acc.LastTimestamp("BTC")
	assert.False(t, ok)
}

func TestAccumulator_ConcurrentSymbols(t *testing.T) {
	acc := NewAccumulator(5)
	symbols := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = acc.Push(sym, int64(i+1), float64(i))
			}
		}(sym)
	}
	wg.Wait()

	for _, sym := range symbols {
		s, err := acc.Statistics(sym)
		require.NoError(t, err)
		assert.InDelta(t, 97.0, s.Mean, eps) // 95..99
	}
}
