package logfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileGetsEveryLevel_StreamGetsSelected(t *testing.T) {
	// GIVEN a logger echoing warnings and above
	path := filepath.Join(t.TempDir(), "Stage.log")
	var stream bytes.Buffer
	logger := New(path, logrus.WarnLevel, &stream)

	// WHEN entries are logged at several levels
	logger.Debug("debug detail")
	logger.Info("window submitted")
	logger.Warn("window not equilibrated")

	// THEN the file has all three and the stream only the warning
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug detail")
	assert.Contains(t, string(data), "window submitted")
	assert.Contains(t, string(data), "window not equilibrated")
	assert.NotContains(t, stream.String(), "window submitted")
	assert.Contains(t, stream.String(), "window not equilibrated")
}

func TestAppendWriter_SurvivesFileRemoval(t *testing.T) {
	// GIVEN a writer whose file is removed between writes
	path := filepath.Join(t.TempDir(), "x.log")
	w := AppendWriter{Path: path}
	_, err := w.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	// WHEN written again
	_, err = w.Write([]byte("second\n"))

	// THEN the file is recreated with only the new content
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(data))
}

func TestAppendWriter_MissingDirectory_ReturnsError(t *testing.T) {
	w := AppendWriter{Path: filepath.Join(t.TempDir(), "absent", "x.log")}
	_, err := w.Write([]byte("x"))
	assert.Error(t, err)
}
