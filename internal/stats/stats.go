// Package stats provides the pure aggregate math used by the windowed
// samplers and the rollup path: mean, min, max, and interpolated
// percentiles over float64 slices, plus sample summarization.
//
// Every function accepts empty input and returns zero values, never an
// error. Callers decide whether an empty window is meaningful.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/xtxerr/argus/internal/metrics"
)

// Mean returns the arithmetic mean of values, or 0 for empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Min returns the smallest value, or 0 for empty input.
func Min(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest value, or 0 for empty input.
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// Percentile returns the p-quantile (0 ≤ p ≤ 1) of values.
//
// The rank is computed on the (n+1) convention and linearly interpolated
// between the bracketing order statistics, clamping at the extremes. With
// this convention p95 saturates at the maximum for n ≤ 19. Input does not
// need to be sorted; it is not modified. Empty input returns 0.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	h := p*float64(n+1) - 1
	if h <= 0 {
		return sorted[0]
	}
	if h >= float64(n-1) {
		return sorted[n-1]
	}

	lo := int(math.Floor(h))
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Summarize computes an Aggregate over a window of samples.
//
// Count and the success-rate denominator include failed samples; the
// numeric aggregates (mean/min/max/p95) are computed over successful
// samples only. Span covers the whole window, oldest to newest. An empty
// window yields the zero Aggregate.
func Summarize(samples []metrics.Sample) metrics.Aggregate {
	agg := metrics.Aggregate{Count: len(samples)}
	if len(samples) == 0 {
		return agg
	}

	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Success {
			values = append(values, s.Value)
		}
	}

	agg.SuccessRate = float64(len(values)) / float64(len(samples))
	agg.Mean = Mean(values)
	agg.Min = Min(values)
	agg.Max = Max(values)
	agg.P95 = Percentile(values, 0.95)
	agg.Span = span(samples)
	return agg
}

func span(samples []metrics.Sample) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	first := samples[0].Timestamp
	last := samples[0].Timestamp
	for _, s := range samples[1:] {
		if s.Timestamp.Before(first) {
			first = s.Timestamp
		}
		if s.Timestamp.After(last) {
			last = s.Timestamp
		}
	}
	return last.Sub(first)
}
