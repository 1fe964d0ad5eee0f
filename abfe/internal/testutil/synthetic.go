package testutil

import (
	"math/rand"

	"github.com/ensequil/ensequil/abfe/gradients"
)

// ConstantSeries returns n samples spaced dt apart, all equal to value.
func ConstantSeries(lambda float64, replicate, n int, dt, value float64) gradients.Series {
	s := gradients.Series{Lambda: lambda, Replicate: replicate, Points: make([]gradients.Point, n)}
	for i := range s.Points {
		s.Points[i] = gradients.Point{Time: float64(i) * dt, Gradient: value}
	}
	return s
}

// RampThenFlat returns n samples spaced dt apart whose gradient falls linearly
// from start to plateau over [0, transition) and stays at plateau afterwards.
func RampThenFlat(lambda float64, replicate, n int, dt, start, plateau, transition float64) gradients.Series {
	s := gradients.Series{Lambda: lambda, Replicate: replicate, Points: make([]gradients.Point, n)}
	for i := range s.Points {
		t := float64(i) * dt
		g := plateau
		if t < transition {
			g = start + (plateau-start)*t/transition
		}
		s.Points[i] = gradients.Point{Time: t, Gradient: g}
	}
	return s
}

// NoisySeries returns n samples of value plus Gaussian noise of width sigma,
// generated from a fixed seed so tests stay deterministic.
func NoisySeries(lambda float64, replicate, n int, dt, value, sigma float64, seed int64) gradients.Series {
	rng := rand.New(rand.NewSource(seed))
	s := gradients.Series{Lambda: lambda, Replicate: replicate, Points: make([]gradients.Point, n)}
	for i := range s.Points {
		s.Points[i] = gradients.Point{Time: float64(i) * dt, Gradient: value + sigma*rng.NormFloat64()}
	}
	return s
}

// AR1Series returns a correlated series x_i = phi*x_{i-1} + noise around value.
func AR1Series(lambda float64, replicate, n int, dt, value, phi, sigma float64, seed int64) gradients.Series {
	rng := rand.New(rand.NewSource(seed))
	s := gradients.Series{Lambda: lambda, Replicate: replicate, Points: make([]gradients.Point, n)}
	x := 0.0
	for i := range s.Points {
		x = phi*x + sigma*rng.NormFloat64()
		s.Points[i] = gradients.Point{Time: float64(i) * dt, Gradient: value + x}
	}
	return s
}
