package runtree

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensequil/ensequil/abfe"
)

func TestCombine_SignedSumAndQuadratureErrors(t *testing.T) {
	// GIVEN two children of two replicates, the second entering with sign -1
	parts := []Contribution{
		{Result: Result{DG: []float64{1, 2}, Er: []float64{0.3, 0.6}}, Multiplier: 1},
		{Result: Result{DG: []float64{4, 8}, Er: []float64{0.4, 0.8}}, Multiplier: -1},
	}

	// WHEN combined
	got, err := Combine(parts)
	require.NoError(t, err)

	// THEN dg is the signed sum and er the quadrature sum, per replicate
	assert.InDeltaSlice(t, []float64{-3, -6}, got.DG, 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 1.0}, got.Er, 1e-12)
}

func TestCombine_IsAssociative(t *testing.T) {
	a := Contribution{Result: Result{DG: []float64{1.5}, Er: []float64{0.1}}, Multiplier: 1}
	b := Contribution{Result: Result{DG: []float64{-2.0}, Er: []float64{0.2}}, Multiplier: -1}
	c := Contribution{Result: Result{DG: []float64{0.25}, Er: []float64{0.3}}, Multiplier: 1}

	flat, err := Combine([]Contribution{a, b, c})
	require.NoError(t, err)

	ab, err := Combine([]Contribution{a, b})
	require.NoError(t, err)
	nested, err := Combine([]Contribution{{Result: ab, Multiplier: 1}, c})
	require.NoError(t, err)

	assert.InDeltaSlice(t, flat.DG, nested.DG, 1e-12)
	assert.InDeltaSlice(t, flat.Er, nested.Er, 1e-12)
}

func TestCombine_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		parts []Contribution
		want  error
	}{
		{"empty", nil, abfe.ErrData},
		{"multiplier 2", []Contribution{{Result: NewResult(1), Multiplier: 2}}, abfe.ErrConfiguration},
		{"multiplier 0", []Contribution{{Result: NewResult(1), Multiplier: 0}}, abfe.ErrConfiguration},
		{"replicate mismatch", []Contribution{
			{Result: NewResult(2), Multiplier: 1},
			{Result: NewResult(3), Multiplier: 1},
		}, abfe.ErrData},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Combine(tc.parts)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCombine_NaNReplicateStaysExcluded(t *testing.T) {
	parts := []Contribution{
		{Result: Result{DG: []float64{1, math.NaN()}, Er: []float64{0.1, math.NaN()}}, Multiplier: 1},
		{Result: Result{DG: []float64{1, 1}, Er: []float64{0.1, 0.1}}, Multiplier: 1},
	}
	got, err := Combine(parts)
	require.NoError(t, err)
	assert.InDelta(t, 2, got.DG[0], 1e-12)
	assert.True(t, math.IsNaN(got.DG[1]))
	assert.True(t, math.IsNaN(got.Er[1]))
}

func TestConfidenceInterval95(t *testing.T) {
	tests := []struct {
		name string
		xs   []float64
		want float64
	}{
		// t(0.975, 2) = 4.302653, SEM = 1/sqrt(3)
		{"three values", []float64{1, 2, 3}, 4.302653 / math.Sqrt(3)},
		// t(0.975, 1) = 12.706205, SEM = 0.5
		{"two values", []float64{-1, 0}, 12.706205 * 0.5},
		{"identical values", []float64{4, 4, 4, 4}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, ConfidenceInterval95(tc.xs), 1e-5)
		})
	}
}

func TestConfidenceInterval95_SingleValue_IsNaN(t *testing.T) {
	assert.True(t, math.IsNaN(ConfidenceInterval95([]float64{3})))
}

func TestSummarise_ExcludesFailedReplicates(t *testing.T) {
	// GIVEN three replicates, the second of which failed
	r := Result{DG: []float64{-10, math.NaN(), -12}, Er: []float64{0.2, math.NaN(), 0.2}}

	// WHEN summarised
	s, err := Summarise(r)
	require.NoError(t, err)

	// THEN only the working replicates count
	assert.Equal(t, 2, s.Contributing)
	assert.Equal(t, 3, s.Replicates)
	assert.InDelta(t, -11, s.Mean, 1e-12)
	assert.InDelta(t, ConfidenceInterval95([]float64{-10, -12}), s.CI95, 1e-12)
}

func TestSummarise_NoReplicateLeft_ReturnsDataError(t *testing.T) {
	r := Result{DG: []float64{math.NaN()}, Er: []float64{math.NaN()}}
	_, err := Summarise(r)
	assert.ErrorIs(t, err, abfe.ErrData)
}

func TestConvergenceFractions_TwentyStepsToOne(t *testing.T) {
	f := ConvergenceFractions()
	require.Len(t, f, NumConvergenceFractions)
	assert.InDelta(t, 0.05, f[0], 1e-12)
	assert.InDelta(t, 1.0, f[len(f)-1], 1e-12)
}

func TestConvergence_AccumulateAndOffset(t *testing.T) {
	// GIVEN a child curve of two replicates
	child := NewConvergence(2)
	for r := range child.DG {
		for f := range child.DG[r] {
			child.DG[r][f] = float64(r + 1)
		}
	}

	// WHEN it is accumulated with sign -1 and a per-replicate offset is broadcast
	total := NewConvergence(2)
	require.NoError(t, total.Accumulate(child, -1))
	total.AddOffset([]float64{0.5, 1.5})

	// THEN every fraction carries the signed value plus its replicate's offset
	for f := 0; f < NumConvergenceFractions; f++ {
		assert.InDelta(t, -0.5, total.DG[0][f], 1e-12)
		assert.InDelta(t, -0.5, total.DG[1][f], 1e-12)
	}

	assert.ErrorIs(t, total.Accumulate(NewConvergence(3), 1), abfe.ErrData)
}
