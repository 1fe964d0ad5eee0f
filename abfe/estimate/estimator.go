// Package estimate turns post-equilibration gradient data into free-energy
// contributions. The thermodynamic-integration estimator runs in-process;
// MBAR results produced by the engine's analysis tool are read from disk.
package estimate

import (
	"context"
	"fmt"
	"math"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/gradients"
)

// WindowData is the input for one replicate at one λ window.
type WindowData struct {
	Lambda    float64
	Replicate int
	Dir       string           // simulation base dir, for estimators that read files
	Series    gradients.Series // post-equilibration samples
	Weight    float64          // quadrature weight of the window in its stage
}

// Estimate is a free-energy contribution in kcal mol-1.
type Estimate struct {
	DG float64
	Er float64
}

// Estimator computes the free-energy contribution of one replicate at one window.
type Estimator interface {
	Estimate(ctx context.Context, in WindowData) (Estimate, error)
}

// TIEstimator integrates mean gradients with the quadrature weight supplied in WindowData.
type TIEstimator struct{}

// Estimate returns Weight times the mean gradient, with Weight times the
// correlation-corrected standard error as the uncertainty.
func (TIEstimator) Estimate(ctx context.Context, in WindowData) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	if in.Series.Len() == 0 {
		return Estimate{}, fmt.Errorf("lambda %.3f run %d: no samples: %w", in.Lambda, in.Replicate, abfe.ErrData)
	}
	stats, err := gradients.Aggregate(gradients.SeriesSet{in.Series}, in.Series.Points[0].Time)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{
		DG: in.Weight * stats.Mean,
		Er: math.Abs(in.Weight) * stats.SEMIntra,
	}, nil
}

// TrapezoidWeights returns the trapezoid-rule weight of each λ in a sorted
// list, so that Σ w_i·f(λ_i) approximates ∫ f dλ over [λ_0, λ_n-1].
// A single window gets weight 1.
func TrapezoidWeights(lambdas []float64) ([]float64, error) {
	n := len(lambdas)
	if n == 0 {
		return nil, fmt.Errorf("no lambda values: %w", abfe.ErrData)
	}
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w, nil
	}
	for i := 1; i < n; i++ {
		if lambdas[i] <= lambdas[i-1] {
			return nil, fmt.Errorf("lambda values not strictly increasing at %d: %w", i, abfe.ErrData)
		}
	}
	w[0] = (lambdas[1] - lambdas[0]) / 2
	w[n-1] = (lambdas[n-1] - lambdas[n-2]) / 2
	for i := 1; i < n-1; i++ {
		w[i] = (lambdas[i+1] - lambdas[i-1]) / 2
	}
	return w, nil
}
