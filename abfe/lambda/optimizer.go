// Package lambda re-spaces the λ windows of a stage so that each window
// contributes an equal share of the integrated standard error of the mean.
package lambda

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/integrate"

	"github.com/ensequil/ensequil/abfe"
)

// Tolerance below which two λ values are considered duplicates.
const Tolerance = 1e-10

// WindowSEM is the overall SEM of the mean gradient at one λ value.
type WindowSEM struct {
	Lambda float64
	SEM    float64
}

// Curve is the cumulative trapezoid integral of SEM over λ.
// Lambdas always start at 0 and end at 1.
type Curve struct {
	Lambdas    []float64
	SEM        []float64 // integrand at each λ, endpoint extensions included
	Integrated []float64
}

// Total returns S(1).
func (c Curve) Total() float64 {
	return integrate.Trapezoidal(c.Lambdas, c.SEM)
}

// At returns the λ at which the curve reaches s, interpolating linearly
// within the first segment that brackets it.
func (c Curve) At(s float64) float64 {
	if s <= c.Integrated[0] {
		return c.Lambdas[0]
	}
	for i := 1; i < len(c.Integrated); i++ {
		lo, hi := c.Integrated[i-1], c.Integrated[i]
		if s <= hi {
			if hi == lo {
				return c.Lambdas[i-1]
			}
			return c.Lambdas[i-1] + (s-lo)/(hi-lo)*(c.Lambdas[i]-c.Lambdas[i-1])
		}
	}
	return c.Lambdas[len(c.Lambdas)-1]
}

// IntegratedSEM sorts the windows by λ and integrates SEM cumulatively with
// the trapezoid rule. When 0 or 1 is not sampled, the nearest window's SEM is
// held constant out to the endpoint.
func IntegratedSEM(windows []WindowSEM) (Curve, error) {
	if len(windows) == 0 {
		return Curve{}, fmt.Errorf("no windows to integrate: %w", abfe.ErrData)
	}
	ws := append([]WindowSEM(nil), windows...)
	for _, w := range ws {
		if math.IsNaN(w.Lambda) || w.Lambda < 0 || w.Lambda > 1 {
			return Curve{}, fmt.Errorf("lambda %v outside [0, 1]: %w", w.Lambda, abfe.ErrData)
		}
		if math.IsNaN(w.SEM) || math.IsInf(w.SEM, 0) || w.SEM < 0 {
			return Curve{}, fmt.Errorf("invalid SEM %v at lambda %v: %w", w.SEM, w.Lambda, abfe.ErrData)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].Lambda < ws[j].Lambda })
	for i := 1; i < len(ws); i++ {
		if ws[i].Lambda-ws[i-1].Lambda < Tolerance {
			return Curve{}, fmt.Errorf("duplicate lambda %v: %w", ws[i].Lambda, abfe.ErrData)
		}
	}
	if ws[0].Lambda > Tolerance {
		ws = append([]WindowSEM{{Lambda: 0, SEM: ws[0].SEM}}, ws...)
	}
	if last := ws[len(ws)-1]; last.Lambda < 1-Tolerance {
		ws = append(ws, WindowSEM{Lambda: 1, SEM: last.SEM})
	}

	c := Curve{
		Lambdas:    make([]float64, len(ws)),
		SEM:        make([]float64, len(ws)),
		Integrated: make([]float64, len(ws)),
	}
	for i, w := range ws {
		c.Lambdas[i] = w.Lambda
		c.SEM[i] = w.SEM
		if i > 0 {
			c.Integrated[i] = c.Integrated[i-1] + 0.5*(w.SEM+ws[i-1].SEM)*(w.Lambda-ws[i-1].Lambda)
		}
	}
	return c, nil
}

// Optimise returns λ values at which the integrated SEM crosses each multiple
// of deltaSEM, plus the endpoints 0 and 1. The result is sorted, free of
// duplicates and has at least two entries.
func Optimise(windows []WindowSEM, deltaSEM float64) ([]float64, error) {
	if !(deltaSEM > 0) || math.IsInf(deltaSEM, 0) {
		return nil, fmt.Errorf("delta SEM must be positive, got %v: %w", deltaSEM, abfe.ErrData)
	}
	c, err := IntegratedSEM(windows)
	if err != nil {
		return nil, err
	}
	total := c.Total()
	var interior []float64
	for k := 1; float64(k)*deltaSEM < total-Tolerance; k++ {
		interior = append(interior, c.At(float64(k)*deltaSEM))
	}
	return withEndpoints(interior), nil
}

// withEndpoints sorts the interior values, drops any within Tolerance of a
// neighbour or of an endpoint, and brackets them with 0 and 1.
func withEndpoints(interior []float64) []float64 {
	sort.Float64s(interior)
	out := []float64{0}
	for _, v := range interior {
		if !scalar.EqualWithinAbs(v, out[len(out)-1], Tolerance) && !scalar.EqualWithinAbs(v, 1, Tolerance) {
			out = append(out, v)
		}
	}
	return append(out, 1)
}
