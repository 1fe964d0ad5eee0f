package runtree

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/queue"
)

func newTestWindow(t *testing.T, e *engine, ensembleSize int) *LambdaWindow {
	t.Helper()
	dir := t.TempDir()
	w, err := NewLambdaWindow(filepath.Join(dir, "lambda_0.500"), filepath.Join(dir, "input"), 0.5, ensembleSize, testDetection(), withQueue(t, e.env()))
	require.NoError(t, err)
	return w
}

func runAndSettle(t *testing.T, n Node) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, n.Run(ctx, RunOptions{Runtime: 1}))
	for _, q := range Queues(n) {
		require.NoError(t, q.Update(ctx))
	}
	require.False(t, n.Running())
}

func TestLambdaWindow_FlatReplicates_EquilibrateAndAnalyse(t *testing.T) {
	// GIVEN a window whose two replicates produce flat gradients of 2 and 4
	e := newEngine(t, func(dir string, n int) gradients.Series {
		if filepath.Base(dir) == "run_01" {
			return flat(2)
		}
		return flat(4)
	})
	w := newTestWindow(t, e, 2)
	w.setWeight(0.5)
	runAndSettle(t, w)

	// WHEN equilibration is checked
	res, err := w.CheckEquilibration()
	require.NoError(t, err)

	// THEN it equilibrates at the first sample and writes the equilibrated simfiles
	require.True(t, res.Equilibrated)
	assert.Equal(t, 0.0, *res.EquilTime)
	assert.True(t, w.Equilibrated())
	for _, s := range w.Simulations() {
		assert.FileExists(t, filepath.Join(s.BaseDir(), EquilibratedSimfileName))
	}
	assert.InDelta(t, 2.0, w.TotSimtime(), 1e-9)

	// AND Analyse weights each replicate's mean gradient
	r, err := w.Analyse(context.Background())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2}, r.DG, 1e-9)
	assert.InDeltaSlice(t, []float64{0, 0}, r.Er, 1e-9)
}

func TestLambdaWindow_CachesDetectionUntilReset(t *testing.T) {
	e := newEngine(t, func(string, int) gradients.Series { return flat(1) })
	w := newTestWindow(t, e, 1)
	runAndSettle(t, w)

	res, err := w.CheckEquilibration()
	require.NoError(t, err)
	require.True(t, res.Equilibrated)

	// WHEN the output changes to a ramp without a reset
	writeSimfile(t, w.Simulations()[0].BaseDir(), profile(1, math.Inf(1)))
	cached, err := w.CheckEquilibration()
	require.NoError(t, err)

	// THEN the cached outcome is returned
	assert.True(t, cached.Equilibrated)

	// WHEN the window is reset
	w.Reset()
	fresh, err := w.CheckEquilibration()
	require.NoError(t, err)

	// THEN detection runs again on the new data
	assert.False(t, fresh.Equilibrated)
	assert.False(t, w.Equilibrated())
}

func TestLambdaWindow_NotEquilibrated_AnalyseReturnsDataError(t *testing.T) {
	e := newEngine(t, func(string, int) gradients.Series { return profile(1, math.Inf(1)) })
	w := newTestWindow(t, e, 1)
	runAndSettle(t, w)

	_, err := w.Analyse(context.Background())
	assert.ErrorIs(t, err, abfe.ErrData)

	// Stats over all samples remain available for λ optimisation
	st, err := w.Stats(false)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, st.Mean, 1e-9)
}

func TestLambdaWindow_FailedReplicate_IsExcluded(t *testing.T) {
	// GIVEN two replicates, the second of which leaves a failure signature
	e := newEngine(t, func(dir string, n int) gradients.Series {
		if filepath.Base(dir) == "run_02" {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "slurm-1.out"),
				[]byte(queue.FailureSignatures[0]+"\n"), 0o644))
		}
		return flat(3)
	})
	w := newTestWindow(t, e, 2)
	w.setWeight(1)
	runAndSettle(t, w)
	require.True(t, w.Simulations()[1].Failed())

	// WHEN analysed
	r, err := w.Analyse(context.Background())
	require.NoError(t, err)

	// THEN the failed replicate is NaN and the other is unaffected
	assert.InDelta(t, 3.0, r.DG[0], 1e-9)
	assert.True(t, math.IsNaN(r.DG[1]))
	assert.True(t, math.IsNaN(r.Er[1]))

	conv, err := w.AnalyseConvergence(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, conv.DG[0][NumConvergenceFractions-1], 1e-9)
	assert.True(t, math.IsNaN(conv.DG[1][0]))
}

func TestLambdaWindow_AllReplicatesFailed_ReturnsSimulationFailure(t *testing.T) {
	e := newEngine(t, func(dir string, n int) gradients.Series {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "slurm-1.out"),
			[]byte(queue.FailureSignatures[1]+"\n"), 0o644))
		return flat(3)
	})
	w := newTestWindow(t, e, 1)
	runAndSettle(t, w)

	_, err := w.CheckEquilibration()
	assert.ErrorIs(t, err, abfe.ErrSimulationFailure)
}

func TestLambdaWindow_ReloadOverridesArguments(t *testing.T) {
	// GIVEN a window persisted with two replicates
	e := newEngine(t, func(string, int) gradients.Series { return flat(1) })
	dir := filepath.Join(t.TempDir(), "lambda_0.250")
	env := withQueue(t, e.env())
	_, err := NewLambdaWindow(dir, "", 0.25, 2, testDetection(), env)
	require.NoError(t, err)

	// WHEN it is constructed again with different arguments
	w, err := NewLambdaWindow(dir, "", 0.75, 5, DefaultDetection(), env)
	require.NoError(t, err)

	// THEN the snapshot wins
	assert.Equal(t, 0.25, w.Lambda())
	assert.Equal(t, 2, w.EnsembleSize())
	assert.Len(t, w.Simulations(), 2)
	assert.FileExists(t, filepath.Join(dir, "LambdaWindow.yaml"))
}

func TestNewLambdaWindow_InvalidConfig(t *testing.T) {
	env := withQueue(t, newEngine(t, nil).env())
	dir := t.TempDir()

	_, err := NewLambdaWindow(dir, "", 0.5, 0, testDetection(), env)
	assert.ErrorIs(t, err, abfe.ErrConfiguration)

	_, err = NewLambdaWindow(dir, "", 0.5, 1, Detection{Method: "eyeball"}, env)
	assert.ErrorIs(t, err, abfe.ErrConfiguration)

	_, err = NewLambdaWindow(dir, "", 0.5, 1, Detection{Method: gradients.MethodBlockGradient}, env)
	assert.ErrorIs(t, err, abfe.ErrConfiguration)
}

func TestSimulation_RunWithoutQueue_ReturnsConfigurationError(t *testing.T) {
	s, err := NewSimulation(t.TempDir(), "", 0, 1, Env{})
	require.NoError(t, err)
	err = s.Run(context.Background(), RunOptions{Runtime: 1})
	assert.ErrorIs(t, err, abfe.ErrConfiguration)
}
