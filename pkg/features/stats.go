package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Statistical helpers shared by extraction. Percentiles use linear
// interpolation and standard deviations are population (not sample), so
// small windows don't inflate variance. All helpers return 0 on empty
// input - extraction must never produce NaN.

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

func popStdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return stat.PopStdDev(x, nil)
}

// percentile returns the p-th quantile (p in [0,1]) interpolating linearly
// between the two nearest order statistics (the numpy "linear" definition,
// which the trained inference models were calibrated against - gonum's
// LinInterp cumulant interpolates the empirical CDF instead and disagrees
// at exact step points). The input is copied; callers keep their ordering.
func percentile(x []float64, p float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := make([]float64, len(x))
	copy(sorted, x)
	sort.Float64s(sorted)

	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func maxOf(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	m := x[0]
	for _, v := range x[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	m := x[0]
	for _, v := range x[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
