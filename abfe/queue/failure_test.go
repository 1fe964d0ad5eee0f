package queue_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/queue"
)

func TestNewestOutput_PicksMostRecentlyModified(t *testing.T) {
	// GIVEN two outputs from successive attempts of the same job
	dir := t.TempDir()
	older := filepath.Join(dir, "slurm-1.out")
	newer := filepath.Join(dir, "slurm-2.out")
	writeFile(t, older, "Particle coordinate is NaN\n")
	writeFile(t, newer, "all good\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	// WHEN the newest output is located and checked
	got, err := queue.NewestOutput(filepath.Join(dir, "slurm-*.out"))
	require.NoError(t, err)
	failed, err := queue.HasFailed(filepath.Join(dir, "slurm-*.out"))

	// THEN the later attempt wins and is not a failure
	require.NoError(t, err)
	assert.Equal(t, newer, got)
	assert.False(t, failed)
}

func TestHasFailed_DetectsEachSignature(t *testing.T) {
	for _, sig := range queue.FailureSignatures {
		t.Run(sig, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "out", "slurm-9.out"), "line 1\nERROR: "+sig+" at step 5\n")
			failed, err := queue.HasFailed(filepath.Join(dir, "**", "slurm-*.out"))
			require.NoError(t, err)
			assert.True(t, failed)
		})
	}
}

func TestHasFailed_NoMatch_ReturnsNotFound(t *testing.T) {
	_, err := queue.HasFailed(filepath.Join(t.TempDir(), "slurm-*.out"))
	assert.ErrorIs(t, err, abfe.ErrNotFound)
}
