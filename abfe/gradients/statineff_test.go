package gradients_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/internal/testutil"
)

func TestStatisticalInefficiency_ConstantSeries_IsOne(t *testing.T) {
	s := testutil.ConstantSeries(0, 0, 100, 0.01, 5.0)
	assert.Equal(t, 1.0, gradients.StatisticalInefficiency(s.Gradients()))
}

func TestStatisticalInefficiency_TooShort_IsOne(t *testing.T) {
	assert.Equal(t, 1.0, gradients.StatisticalInefficiency([]float64{1}))
	assert.Equal(t, 1.0, gradients.StatisticalInefficiency(nil))
}

func TestStatisticalInefficiency_WhiteNoise_NearOne(t *testing.T) {
	s := testutil.NoisySeries(0, 0, 5000, 0.001, 0, 1, 42)

	g := gradients.StatisticalInefficiency(s.Gradients())

	assert.GreaterOrEqual(t, g, 1.0)
	assert.Less(t, g, 1.5)
}

func TestStatisticalInefficiency_CorrelatedSeries_Larger(t *testing.T) {
	// GIVEN an AR(1) process with phi=0.9 (theoretical g = (1+phi)/(1-phi) = 19)
	s := testutil.AR1Series(0, 0, 20000, 0.001, 0, 0.9, 1, 42)

	g := gradients.StatisticalInefficiency(s.Gradients())

	// THEN g is well above the uncorrelated value
	assert.Greater(t, g, 8.0)
	assert.Less(t, g, 40.0)
}

func TestStatisticalInefficiency_DoesNotMutateInput(t *testing.T) {
	x := []float64{1, 3, 2, 5, 4, 6, 5, 8}
	orig := append([]float64(nil), x...)

	_ = gradients.StatisticalInefficiency(x)

	assert.Equal(t, orig, x)
}
