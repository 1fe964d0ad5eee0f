package gradients

import (
	"gonum.org/v1/gonum/stat"
)

// minCorrelationTime is the lag below which a non-positive autocorrelation
// does not terminate the sum.
const minCorrelationTime = 3

// StatisticalInefficiency estimates g = 1 + 2τ, the factor by which the raw
// sample count overestimates the number of uncorrelated samples. The
// autocorrelation sum is truncated at the first non-positive value past
// minCorrelationTime, with lag increments growing by one each step.
// Returns 1 for series with fewer than two samples or zero variance.
func StatisticalInefficiency(x []float64) float64 {
	g, ok := statIneff(x)
	if !ok {
		return 1
	}
	return g
}

// statIneff reports ok=false when the sample variance is zero and the
// inefficiency is undefined.
func statIneff(x []float64) (float64, bool) {
	n := len(x)
	if n < 2 {
		return 1, false
	}
	mean, sigma2 := stat.PopMeanVariance(x, nil)
	if sigma2 == 0 {
		return 1, false
	}
	dx := make([]float64, n)
	for i, v := range x {
		dx[i] = v - mean
	}

	g := 1.0
	t, increment := 1, 1
	for t < n-1 {
		var c float64
		for i := 0; i < n-t; i++ {
			c += dx[i] * dx[i+t]
		}
		c /= float64(n-t) * sigma2
		if c <= 0 && t > minCorrelationTime {
			break
		}
		g += 2 * c * (1 - float64(t)/float64(n)) * float64(increment)
		t += increment
		increment++
	}
	if g < 1 {
		g = 1
	}
	return g, true
}

// equilibrationScan is the outcome of the reverse cumulative scan.
type equilibrationScan struct {
	Index     int     // first retained sample
	StatIneff float64 // g of the retained data
	NEff      float64 // effectively uncorrelated samples retained
}

// scanEquilibration discards successively longer prefixes of x and returns
// the cut that maximises the number of effectively uncorrelated samples
// (N - t + 1) / g(t). skip controls the stride of candidate cuts.
func scanEquilibration(x []float64, skip int) equilibrationScan {
	n := len(x)
	if skip < 1 {
		skip = 1
	}
	if n < 2 || stat.StdDev(x, nil) == 0 {
		return equilibrationScan{Index: 0, StatIneff: 1, NEff: 1}
	}
	best := equilibrationScan{Index: 0, StatIneff: 1, NEff: -1}
	for t := 0; t < n-1; t += skip {
		g, ok := statIneff(x[t:])
		if !ok {
			g = float64(n - t + 1)
		}
		neff := float64(n-t+1) / g
		// Strict > keeps the earliest cut on ties.
		if neff > best.NEff {
			best = equilibrationScan{Index: t, StatIneff: g, NEff: neff}
		}
	}
	return best
}
