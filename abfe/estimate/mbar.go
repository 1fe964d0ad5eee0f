package estimate

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/ensequil/ensequil/abfe"
)

const overlapMarker = "#Overlap matrix"

// MBAROutputPath returns the conventional path of the MBAR output for one
// replicate, covering the fraction [fracStart, fracEnd] of each series.
func MBAROutputPath(outputDir string, run int, fracStart, fracEnd float64) string {
	name := fmt.Sprintf("freenrg-MBAR-run_%02d_%d_end_%d_start.dat",
		run, int(math.Round(fracEnd*100)), int(math.Round(fracStart*100)))
	return filepath.Join(outputDir, name)
}

// ReadMBARResult reads the free energy and its error from an MBAR output file.
func ReadMBARResult(path string) (Estimate, error) {
	file, err := os.Open(path)
	if err != nil {
		return Estimate{}, fmt.Errorf("opening MBAR output: %w", err)
	}
	defer func() { _ = file.Close() }()
	est, err := ParseMBARResult(file)
	if err != nil {
		return Estimate{}, fmt.Errorf("%s: %w", path, err)
	}
	return est, nil
}

// ParseMBARResult reads the "dg, er" pair from the fourth-from-last line.
func ParseMBARResult(r io.Reader) (Estimate, error) {
	lines, err := readLines(r)
	if err != nil {
		return Estimate{}, err
	}
	if len(lines) < 4 {
		return Estimate{}, fmt.Errorf("MBAR output has %d lines, need at least 4: %w", len(lines), abfe.ErrData)
	}
	line := lines[len(lines)-4]
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return Estimate{}, fmt.Errorf("result line %q is not \"dg, er\": %w", line, abfe.ErrData)
	}
	dg, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Estimate{}, fmt.Errorf("bad free energy %q: %w", parts[0], abfe.ErrData)
	}
	erFields := strings.Fields(parts[1])
	if len(erFields) == 0 {
		return Estimate{}, fmt.Errorf("missing error in %q: %w", line, abfe.ErrData)
	}
	er, err := strconv.ParseFloat(erFields[0], 64)
	if err != nil {
		return Estimate{}, fmt.Errorf("bad free energy error %q: %w", erFields[0], abfe.ErrData)
	}
	return Estimate{DG: dg, Er: er}, nil
}

// ReadOverlapMatrix reads the overlap matrix block from an MBAR output file.
func ReadOverlapMatrix(path string) (*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening MBAR output: %w", err)
	}
	defer func() { _ = file.Close() }()
	m, err := ParseOverlapMatrix(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseOverlapMatrix collects the rows following "#Overlap matrix" up to the
// next '#' line. The matrix must be square.
func ParseOverlapMatrix(r io.Reader) (*mat.Dense, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	var rows [][]float64
	in := false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, overlapMarker):
			in = true
			rows = nil
			continue
		case strings.HasPrefix(line, "#"):
			in = false
			continue
		case !in || strings.TrimSpace(line) == "":
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for j, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad overlap value %q: %w", i+1, f, abfe.ErrData)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("no overlap matrix found: %w", abfe.ErrData)
	}
	data := make([]float64, 0, n*n)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("overlap row %d has %d columns, want %d: %w", i, len(row), n, abfe.ErrData)
		}
		data = append(data, row...)
	}
	return mat.NewDense(n, n, data), nil
}

// MinOffDiagonalOverlap returns the smallest overlap between neighbouring
// windows, the usual indicator of insufficient λ sampling.
func MinOffDiagonalOverlap(m mat.Matrix) float64 {
	r, _ := m.Dims()
	minOverlap := math.Inf(1)
	for i := 0; i+1 < r; i++ {
		minOverlap = math.Min(minOverlap, m.At(i, i+1))
		minOverlap = math.Min(minOverlap, m.At(i+1, i))
	}
	return minOverlap
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading MBAR output: %w", err)
	}
	return lines, nil
}
