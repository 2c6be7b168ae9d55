package window

import "math"

// Stats summarizes a full window of prices.
type Stats struct {
	Mean   float64
	StdDev float64 // population standard deviation
	Count  int
}

// Bands are volatility bands around the window mean.
type Bands struct {
	Middle float64
	Upper  float64
	Lower  float64
	StdDev float64
}

// ComputeStats returns mean and population standard deviation of prices.
// Uses a two-pass algorithm to avoid cancellation on large price levels.
func ComputeStats(prices []float64) Stats {
	n := len(prices)
	if n == 0 {
		return Stats{}
	}

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(n)

	var sq float64
	for _, p := range prices {
		d := p - mean
		sq += d * d
	}

	return Stats{
		Mean:   mean,
		StdDev: math.Sqrt(sq / float64(n)),
		Count:  n,
	}
}

// BandsFrom returns mean ± k·σ for the given statistics.
func BandsFrom(s Stats, k float64) Bands {
	return Bands{
		Middle: s.Mean,
		Upper:  s.Mean + k*s.StdDev,
		Lower:  s.Mean - k*s.StdDev,
		StdDev: s.StdDev,
	}
}
