package lambda

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"

	"github.com/ensequil/ensequil/abfe"
)

func TestOptimise_UniformSEM_EvenSpacing(t *testing.T) {
	// GIVEN a constant SEM of 1.0 across five windows spanning [0, 1]
	windows := []WindowSEM{{0, 1}, {0.25, 1}, {0.5, 1}, {0.75, 1}, {1, 1}}

	// WHEN optimised with delta SEM 0.1
	got, err := Optimise(windows, 0.1)

	// THEN 11 evenly spaced values are returned
	require.NoError(t, err)
	want := floats.Span(make([]float64, 11), 0, 1)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "index %d", i)
	}
}

func TestOptimise_ConcentratesWhereSEMIsHigh(t *testing.T) {
	// GIVEN SEM that is ten times larger in the upper half
	windows := []WindowSEM{{0, 0.1}, {0.49, 0.1}, {0.51, 1}, {1, 1}}

	got, err := Optimise(windows, 0.05)

	require.NoError(t, err)
	var lower, upper int
	for _, v := range got[1 : len(got)-1] {
		if v < 0.5 {
			lower++
		} else {
			upper++
		}
	}
	assert.Greater(t, upper, 3*lower)
}

func TestOptimise_Guarantees(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		n := 2 + rng.Intn(15)
		windows := make([]WindowSEM, n)
		lams := rng.Perm(1000)[:n]
		for i := range windows {
			windows[i] = WindowSEM{Lambda: float64(lams[i]) / 999, SEM: rng.Float64() * 2}
		}
		delta := 0.01 + rng.Float64()*0.3

		got, err := Optimise(windows, delta)

		require.NoError(t, err)
		require.GreaterOrEqual(t, len(got), 2)
		assert.Equal(t, 0.0, got[0])
		assert.Equal(t, 1.0, got[len(got)-1])
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i]-got[i-1], Tolerance, "trial %d: not strictly ascending at %d", trial, i)
		}
	}
}

func TestOptimise_ZeroSEM_ReturnsEndpoints(t *testing.T) {
	got, err := Optimise([]WindowSEM{{0, 0}, {0.5, 0}, {1, 0}}, 0.1)

	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, got)
}

func TestOptimise_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		windows []WindowSEM
		delta   float64
	}{
		{"no windows", nil, 0.1},
		{"zero delta", []WindowSEM{{0, 1}, {1, 1}}, 0},
		{"lambda out of range", []WindowSEM{{0, 1}, {1.2, 1}}, 0.1},
		{"negative SEM", []WindowSEM{{0, -1}, {1, 1}}, 0.1},
		{"duplicate lambda", []WindowSEM{{0.5, 1}, {0.5, 2}}, 0.1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Optimise(tc.windows, tc.delta)
			assert.ErrorIs(t, err, abfe.ErrData)
		})
	}
}

func TestIntegratedSEM_MatchesTrapezoid(t *testing.T) {
	windows := []WindowSEM{{0.5, 3}, {0, 1}, {1, 2}, {0.2, 0.5}}

	c, err := IntegratedSEM(windows)

	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.2, 0.5, 1}, c.Lambdas)
	want := integrate.Trapezoidal([]float64{0, 0.2, 0.5, 1}, []float64{1, 0.5, 3, 2})
	assert.InDelta(t, want, c.Total(), 1e-12)
	assert.InDelta(t, c.Integrated[len(c.Integrated)-1], c.Total(), 1e-12)
	assert.Equal(t, []float64{1, 0.5, 3, 2}, c.SEM)
	for i := 1; i < len(c.Integrated); i++ {
		assert.GreaterOrEqual(t, c.Integrated[i], c.Integrated[i-1])
	}
}

func TestIntegratedSEM_ExtendsToEndpoints(t *testing.T) {
	c, err := IntegratedSEM([]WindowSEM{{0.25, 2}, {0.75, 2}})

	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.25, 0.75, 1}, c.Lambdas)
	assert.InDelta(t, 2.0, c.Total(), 1e-12)
}
