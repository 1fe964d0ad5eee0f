package runtree

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ensequil/ensequil/abfe"
)

// NumConvergenceFractions is the number of evenly spaced fractions of
// post-equilibration time at which convergence is evaluated.
const NumConvergenceFractions = 20

// ConvergenceFractions returns 0.05, 0.10, ..., 1.00.
func ConvergenceFractions() []float64 {
	out := make([]float64, NumConvergenceFractions)
	for i := range out {
		out[i] = float64(i+1) / NumConvergenceFractions
	}
	return out
}

// Result holds one free-energy estimate per replicate, in kcal mol-1.
// A replicate excluded because one of its leaves failed is NaN in both slices.
type Result struct {
	DG []float64
	Er []float64
}

// NewResult returns a zero result for n replicates.
func NewResult(n int) Result {
	return Result{DG: make([]float64, n), Er: make([]float64, n)}
}

// Contribution is a child result with the sign it enters its parent with.
type Contribution struct {
	Result     Result
	Multiplier int
}

// Combine sums dg·multiplier and adds errors in quadrature, replicate by
// replicate. NaN entries propagate, so an excluded replicate stays excluded.
func Combine(parts []Contribution) (Result, error) {
	if len(parts) == 0 {
		return Result{}, fmt.Errorf("nothing to combine: %w", abfe.ErrData)
	}
	n := len(parts[0].Result.DG)
	out := NewResult(n)
	for i, p := range parts {
		if err := validateDGMultiplier(p.Multiplier); err != nil {
			return Result{}, err
		}
		if len(p.Result.DG) != n || len(p.Result.Er) != n {
			return Result{}, fmt.Errorf("part %d has %d replicates, want %d: %w", i, len(p.Result.DG), n, abfe.ErrData)
		}
		for r := 0; r < n; r++ {
			out.DG[r] += float64(p.Multiplier) * p.Result.DG[r]
			out.Er[r] = math.Hypot(out.Er[r], p.Result.Er[r])
		}
	}
	return out, nil
}

// AddOffset adds a per-replicate constant with no error contribution.
func (r Result) AddOffset(offset []float64) {
	for i := range r.DG {
		r.DG[i] += offset[i]
	}
}

// Summary is the replicate-level statistics of a Result.
type Summary struct {
	Mean         float64
	CI95         float64 // half-width of the Student-t 95 % interval; NaN with one replicate
	Contributing int     // replicates without NaN
	Replicates   int
	DG           []float64
	Er           []float64
}

// Summarise computes the mean and 95 % confidence interval of the
// contributing replicates, treating them as i.i.d. Gaussian.
// No contributing replicate is an ErrData.
func Summarise(r Result) (Summary, error) {
	s := Summary{Replicates: len(r.DG), DG: r.DG, Er: r.Er}
	var dgs []float64
	for i, dg := range r.DG {
		if math.IsNaN(dg) || math.IsNaN(r.Er[i]) {
			continue
		}
		dgs = append(dgs, dg)
	}
	s.Contributing = len(dgs)
	if s.Contributing == 0 {
		return s, fmt.Errorf("no replicate has complete data: %w", abfe.ErrData)
	}
	s.Mean = stat.Mean(dgs, nil)
	s.CI95 = ConfidenceInterval95(dgs)
	return s, nil
}

// ConfidenceInterval95 returns the half-width of the Student-t 95 % interval
// of the mean of xs, with len(xs)-1 degrees of freedom.
func ConfidenceInterval95(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return math.NaN()
	}
	sem := stat.StdErr(stat.StdDev(xs, nil), float64(n))
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 1)}.Quantile(0.975)
	return t * sem
}

// Convergence holds dg per replicate at each fraction of post-equilibration time.
type Convergence struct {
	Fractions []float64
	DG        [][]float64 // [replicate][fraction]
}

// NewConvergence returns a zero curve for n replicates.
func NewConvergence(n int) Convergence {
	c := Convergence{Fractions: ConvergenceFractions(), DG: make([][]float64, n)}
	for i := range c.DG {
		c.DG[i] = make([]float64, NumConvergenceFractions)
	}
	return c
}

// Accumulate adds sign·other into c.
func (c Convergence) Accumulate(other Convergence, sign int) error {
	if len(other.DG) != len(c.DG) {
		return fmt.Errorf("convergence has %d replicates, want %d: %w", len(other.DG), len(c.DG), abfe.ErrData)
	}
	for r := range c.DG {
		if len(other.DG[r]) != len(c.DG[r]) {
			return fmt.Errorf("convergence has %d fractions, want %d: %w", len(other.DG[r]), len(c.DG[r]), abfe.ErrData)
		}
		for f := range c.DG[r] {
			c.DG[r][f] += float64(sign) * other.DG[r][f]
		}
	}
	return nil
}

// AddOffset broadcasts a per-replicate constant across all fractions.
func (c Convergence) AddOffset(offset []float64) {
	for r := range c.DG {
		for f := range c.DG[r] {
			c.DG[r][f] += offset[r]
		}
	}
}
