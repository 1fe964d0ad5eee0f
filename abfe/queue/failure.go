package queue

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ensequil/ensequil/abfe"
)

// FailureSignatures are engine messages that mark a numerically unstable run.
var FailureSignatures = []string{
	"NaN or Inf has been generated along the simulation",
	"Particle coordinate is NaN",
}

// NewestOutput returns the most recently modified file matching pattern.
func NewestOutput(pattern string) (string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("bad output pattern %q: %w", pattern, err)
	}
	newest := ""
	var newestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = m, mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no files match %q: %w", pattern, abfe.ErrNotFound)
	}
	return newest, nil
}

// HasFailed reports whether the newest output matching pattern contains a
// failure signature.
func HasFailed(pattern string) (bool, error) {
	path, err := NewestOutput(pattern)
	if err != nil {
		return false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening job output: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, sig := range FailureSignatures {
			if strings.Contains(line, sig) {
				return true, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	return false, nil
}
