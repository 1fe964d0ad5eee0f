// Package logfile builds the per-component loggers of a calculation: every
// level goes to a log file in the component's directory, and entries at or
// above a chosen level are echoed to a stream.
package logfile

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// AppendWriter opens its file in append mode for each write and closes it
// again, so no descriptor stays open between writes and a moved or deleted
// directory never leaves a stale handle behind.
type AppendWriter struct {
	Path string
}

// Write appends p to the file, creating it if needed.
func (w AppendWriter) Write(p []byte) (int, error) {
	f, err := os.OpenFile(w.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	n, werr := f.Write(p)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return n, werr
}

// StreamHook echoes entries at or above Level to Out.
type StreamHook struct {
	Level     logrus.Level
	Out       io.Writer
	Formatter logrus.Formatter

	mu sync.Mutex
}

// Levels implements logrus.Hook.
func (h *StreamHook) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= h.Level {
			levels = append(levels, l)
		}
	}
	return levels
}

// Fire implements logrus.Hook.
func (h *StreamHook) Fire(entry *logrus.Entry) error {
	b, err := h.Formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Out.Write(b)
	return err
}

// New returns a logger that writes every level to path and echoes entries
// at or above streamLevel to stream. A nil stream disables the echo.
func New(path string, streamLevel logrus.Level, stream io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(AppendWriter{Path: path})
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	if stream != nil {
		logger.AddHook(&StreamHook{
			Level:     streamLevel,
			Out:       stream,
			Formatter: &logrus.TextFormatter{FullTimestamp: true},
		})
	}
	return logger
}

// Discard returns a logger that drops everything; used when a component
// has no directory to log into.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
