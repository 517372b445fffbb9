package signals

import (
	"math"
	"sort"
)

// Percentile returns the value at percentile p (0-100) of values, interpolating
// linearly between the two nearest order statistics. It returns 0 for an empty
// slice. values is not modified.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	if n == 1 {
		return sorted[0]
	}

	p = math.Max(0, math.Min(100, p))
	h := float64(n-1) * p / 100
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// PercentileRank returns where x sits in values on a 0-100 scale. The minimum
// maps to 0, the maximum to 100, and values in between are interpolated between
// neighbouring order statistics, so the result is non-decreasing in x.
func PercentileRank(values []float64, x float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	if x <= sorted[0] {
		return 0
	}
	if x >= sorted[n-1] {
		return 100
	}

	// j is the last index whose value is <= x.
	j := sort.Search(n, func(i int) bool { return sorted[i] > x }) - 1
	frac := (x - sorted[j]) / (sorted[j+1] - sorted[j])
	return 100 * (float64(j) + frac) / float64(n-1)
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}
