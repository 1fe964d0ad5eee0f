package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensequil/ensequil/abfe/estimate"
	"github.com/ensequil/ensequil/abfe/queue/queuetest"
	"github.com/ensequil/ensequil/abfe/runtree"
	"github.com/ensequil/ensequil/abfe/trace"
)

func TestPrintOverlaps_ReportsMinimumAndFlagsLowOverlap(t *testing.T) {
	// GIVEN a calculation where only the bound vanish stage has MBAR output
	dir := newCalculationDir(t)
	cfg, err := LoadConfig(filepath.Join(dir, DefaultConfigFile), true)
	require.NoError(t, err)
	calc, err := runtree.NewCalculation(dir, cfg.CalculationConfig(), runtree.Env{
		Scheduler:   queuetest.New(),
		StreamLevel: logrus.PanicLevel,
	})
	require.NoError(t, err)
	out := filepath.Join(dir, "bound", "vanish", "output")
	require.NoError(t, os.MkdirAll(out, 0o755))
	content := "#Overlap matrix\n0.98 0.02\n0.02 0.98\n#DG\n1.0, 0.1\n#a\n#b\n#c\n"
	require.NoError(t, os.WriteFile(estimate.MBAROutputPath(out, 1, 0, 1), []byte(content), 0o644))

	// WHEN the overlaps are printed
	var buf bytes.Buffer
	require.NoError(t, printOverlaps(&buf, calc))

	// THEN only that stage is listed, marked as low
	assert.Equal(t, "Minimum off-diagonal overlap:\n  bound/vanish run 1: 0.020 (low)\n", buf.String())
}

func TestPrintOverlaps_NoOutput_PrintsNothing(t *testing.T) {
	dir := newCalculationDir(t)
	cfg, err := LoadConfig(filepath.Join(dir, DefaultConfigFile), true)
	require.NoError(t, err)
	calc, err := runtree.NewCalculation(dir, cfg.CalculationConfig(), runtree.Env{
		Scheduler:   queuetest.New(),
		StreamLevel: logrus.PanicLevel,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printOverlaps(&buf, calc))
	assert.Empty(t, buf.String())
}

func TestPrintTraceSummary_ListsStatusesAndWindowGrowth(t *testing.T) {
	// GIVEN a recorder with job transitions and one λ update adding two windows
	rec := trace.NewRecorder(trace.TraceLevelTransitions)
	rec.RecordJob(trace.JobRecord{JobID: 0, From: "NONE", To: "QUEUED"})
	rec.RecordJob(trace.JobRecord{JobID: 0, From: "QUEUED", To: "FAILED"})
	rec.RecordJob(trace.JobRecord{JobID: 1, From: "NONE", To: "QUEUED"})
	rec.RecordLambdaUpdate(trace.LambdaUpdateRecord{Old: []float64{0, 1}, New: []float64{0, 0.3, 0.6, 1}})

	// WHEN the summary is printed
	var buf bytes.Buffer
	printTraceSummary(&buf, rec)

	// THEN per-status counts are sorted by name and the growth is reported
	got := buf.String()
	assert.Contains(t, got, "Job transitions: 3 (1 failed)\n  FAILED: 1\n  QUEUED: 2\n")
	assert.Contains(t, got, "Lambda updates: 1 (at most 2 windows added at once)")
}

func TestPrintTraceSummary_NilRecorder(t *testing.T) {
	var buf bytes.Buffer
	printTraceSummary(&buf, nil)
	assert.Empty(t, buf.String())
}
