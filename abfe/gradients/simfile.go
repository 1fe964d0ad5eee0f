package gradients

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ensequil/ensequil/abfe"
)

const (
	overlapMarker = "#Overlap matrix"
	lambdaMarker  = "#Generating lambda is"
)

// Simfile is the parsed content of an engine output file: gradient samples
// plus the most recent overlap-matrix block, if any.
type Simfile struct {
	Lambda  *float64 // from the generating-lambda header, when present
	Points  []Point
	Overlap [][]float64
}

// Series wraps the samples as a Series for the given replicate.
// The header λ wins over the supplied one when present.
func (f *Simfile) Series(lambda float64, replicate int) Series {
	if f.Lambda != nil {
		lambda = *f.Lambda
	}
	return Series{Lambda: lambda, Replicate: replicate, Points: f.Points}
}

// ReadSimfile opens and parses the file at path.
func ReadSimfile(path string) (*Simfile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening simfile: %w", err)
	}
	defer func() { _ = file.Close() }()
	sf, err := ParseSimfile(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sf, nil
}

// ParseSimfile reads whitespace-separated "time gradient [...]" rows.
// Lines starting with '#' are comments, except that "#Overlap matrix" opens a
// matrix block which runs until the next '#' line. Each new block replaces the
// previous one.
func ParseSimfile(r io.Reader) (*Simfile, error) {
	sf := &Simfile{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	inOverlap := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			inOverlap = false
			switch {
			case strings.HasPrefix(line, overlapMarker):
				inOverlap = true
				sf.Overlap = nil
			case strings.HasPrefix(line, lambdaMarker):
				v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, lambdaMarker)), 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad lambda header: %w", lineNo, abfe.ErrData)
				}
				sf.Lambda = &v
			}
			continue
		}

		fields := strings.Fields(line)
		if inOverlap {
			row := make([]float64, len(fields))
			for i, f := range fields {
				v, err := strconv.ParseFloat(f, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad overlap value %q: %w", lineNo, f, abfe.ErrData)
				}
				row[i] = v
			}
			sf.Overlap = append(sf.Overlap, row)
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected at least 2 columns, got %d: %w", lineNo, len(fields), abfe.ErrData)
		}
		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad time %q: %w", lineNo, fields[0], abfe.ErrData)
		}
		g, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad gradient %q: %w", lineNo, fields[1], abfe.ErrData)
		}
		sf.Points = append(sf.Points, Point{Time: t, Gradient: g})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading simfile: %w", err)
	}
	return sf, nil
}

// WriteSimfile writes samples in the format ParseSimfile reads.
func WriteSimfile(w io.Writer, lambda float64, points []Point) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %.6f\n#   Time/ns   Gradient/kcal mol-1\n", lambdaMarker, lambda); err != nil {
		return fmt.Errorf("writing simfile header: %w", err)
	}
	for _, p := range points {
		if _, err := fmt.Fprintf(bw, "%.6f %.8f\n", p.Time, p.Gradient); err != nil {
			return fmt.Errorf("writing simfile row: %w", err)
		}
	}
	return bw.Flush()
}
