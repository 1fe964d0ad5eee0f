package estimate_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/estimate"
	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/internal/testutil"
)

func TestTIEstimator_ConstantGradient_ReturnsWeightedMean(t *testing.T) {
	// GIVEN a constant gradient of 5 kcal/mol with weight 0.25
	in := estimate.WindowData{
		Lambda: 0.5,
		Series: testutil.ConstantSeries(0.5, 1, 100, 0.01, 5.0),
		Weight: 0.25,
	}

	// WHEN estimated
	got, err := estimate.TIEstimator{}.Estimate(context.Background(), in)

	// THEN dg is weight times the mean and the error is zero
	require.NoError(t, err)
	testutil.AssertFloat64Equal(t, "dg", 1.25, got.DG, 1e-12)
	assert.Zero(t, got.Er)
}

func TestTIEstimator_NoisyGradient_ErrorScalesWithWeight(t *testing.T) {
	// GIVEN the same noisy series at two weights
	s := testutil.NoisySeries(0.2, 1, 2000, 0.001, -3.0, 1.0, 7)
	ctx := context.Background()

	// WHEN estimated with weight 0.1 and 0.2
	a, err := estimate.TIEstimator{}.Estimate(ctx, estimate.WindowData{Series: s, Weight: 0.1})
	require.NoError(t, err)
	b, err := estimate.TIEstimator{}.Estimate(ctx, estimate.WindowData{Series: s, Weight: 0.2})
	require.NoError(t, err)

	// THEN both dg and error double
	testutil.AssertFloat64Equal(t, "dg ratio", 2, b.DG/a.DG, 1e-12)
	testutil.AssertFloat64Equal(t, "er ratio", 2, b.Er/a.Er, 1e-12)
	assert.Greater(t, a.Er, 0.0)
}

func TestTIEstimator_EmptySeries_ReturnsDataError(t *testing.T) {
	_, err := estimate.TIEstimator{}.Estimate(context.Background(), estimate.WindowData{
		Series: gradients.Series{Lambda: 0.1},
		Weight: 1,
	})
	assert.True(t, errors.Is(err, abfe.ErrData))
}

func TestTIEstimator_CancelledContext_ReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := estimate.TIEstimator{}.Estimate(ctx, estimate.WindowData{
		Series: testutil.ConstantSeries(0, 1, 10, 0.1, 1),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrapezoidWeights(t *testing.T) {
	tests := []struct {
		name    string
		lambdas []float64
		want    []float64
		wantErr bool
	}{
		{name: "single", lambdas: []float64{0.5}, want: []float64{1}},
		{name: "endpoints", lambdas: []float64{0, 1}, want: []float64{0.5, 0.5}},
		{name: "uneven", lambdas: []float64{0, 0.2, 1}, want: []float64{0.1, 0.5, 0.4}},
		{name: "empty", lambdas: nil, wantErr: true},
		{name: "unsorted", lambdas: []float64{0, 0.5, 0.4}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := estimate.TrapezoidWeights(tc.lambdas)
			if tc.wantErr {
				assert.ErrorIs(t, err, abfe.ErrData)
				return
			}
			require.NoError(t, err)
			testutil.AssertSliceFloat64Equal(t, "weights", tc.want, got, 1e-12)
		})
	}
}

func TestTrapezoidWeights_IntegrateLinearExactly(t *testing.T) {
	// GIVEN f(λ) = 2λ + 1 sampled on an uneven grid over [0, 1]
	lambdas := []float64{0, 0.1, 0.35, 0.6, 0.9, 1}
	w, err := estimate.TrapezoidWeights(lambdas)
	require.NoError(t, err)

	// WHEN integrated with the weights
	sum := 0.0
	for i, l := range lambdas {
		sum += w[i] * (2*l + 1)
	}

	// THEN the integral is exact (= 2)
	assert.InDelta(t, 2.0, sum, 1e-12)
	assert.False(t, math.IsNaN(sum))
}
