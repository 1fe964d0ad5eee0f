// Package gradients analyses dH/dλ time series produced by the replicate
// simulations of one λ window: truncation, block averaging, statistical
// inefficiency, equilibration detection and SEM aggregation.
//
// Every function here is a deterministic pure function of its inputs.
// No function mutates the Series it is given.
package gradients

import (
	"fmt"
	"math"

	"github.com/ensequil/ensequil/abfe"
)

// Point is one sample of a gradient time series.
type Point struct {
	Time     float64 // ns
	Gradient float64 // dH/dλ, kcal mol-1
}

// Series is the gradient time series of one replicate at one λ value.
// Re-read (extended) as the simulation continues.
type Series struct {
	Lambda    float64
	Replicate int
	Points    []Point
}

// SeriesSet holds one Series per replicate of a λ window.
// Lengths may differ when replicates are at different stages.
type SeriesSet []Series

// Len returns the number of samples.
func (s Series) Len() int {
	return len(s.Points)
}

// Gradients returns a copy of the gradient column.
func (s Series) Gradients() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Gradient
	}
	return out
}

// Times returns a copy of the time column.
func (s Series) Times() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Time
	}
	return out
}

// Duration is the simulated time covered by the series, in ns.
// Zero for empty series.
func (s Series) Duration() float64 {
	if len(s.Points) == 0 {
		return 0
	}
	return s.Points[len(s.Points)-1].Time
}

// SampleInterval returns the mean spacing between consecutive samples.
// Zero when the series has fewer than two points.
func (s Series) SampleInterval() float64 {
	n := len(s.Points)
	if n < 2 {
		return 0
	}
	return (s.Points[n-1].Time - s.Points[0].Time) / float64(n-1)
}

// From returns the sub-series of points with Time >= t.
// The returned series shares no storage with s.
func (s Series) From(t float64) Series {
	out := Series{Lambda: s.Lambda, Replicate: s.Replicate}
	for _, p := range s.Points {
		if p.Time >= t {
			out.Points = append(out.Points, p)
		}
	}
	return out
}

// Validate checks that the series is non-empty, finite and time-ordered.
func (s Series) Validate() error {
	if len(s.Points) == 0 {
		return fmt.Errorf("replicate %d at lambda %.3f: empty series: %w", s.Replicate, s.Lambda, abfe.ErrData)
	}
	for i, p := range s.Points {
		if math.IsNaN(p.Time) || math.IsInf(p.Time, 0) || math.IsNaN(p.Gradient) || math.IsInf(p.Gradient, 0) {
			return fmt.Errorf("replicate %d at lambda %.3f: non-finite sample %d: %w", s.Replicate, s.Lambda, i, abfe.ErrData)
		}
		if i > 0 && p.Time < s.Points[i-1].Time {
			return fmt.Errorf("replicate %d at lambda %.3f: time goes backwards at sample %d: %w", s.Replicate, s.Lambda, i, abfe.ErrData)
		}
	}
	return nil
}

// Validate checks every replicate series. An empty set is an error.
func (set SeriesSet) Validate() error {
	if len(set) == 0 {
		return fmt.Errorf("no replicate series: %w", abfe.ErrData)
	}
	for _, s := range set {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// truncIndex maps a fraction onto a sample index. The same mapping is used for
// both ends so that complementary truncations partition the series.
func truncIndex(frac float64, n int) int {
	idx := int(math.Floor(frac*float64(n) + 1e-9))
	if idx > n {
		idx = n
	}
	return idx
}

// Truncate returns the samples between fracStart and fracEnd of the series
// length, both in [0, 1]. Truncate(s, 0, 1) returns the series unchanged and
// Truncate(s, 0, f) followed by Truncate(s, f, 1) covers every sample exactly once.
func Truncate(s Series, fracStart, fracEnd float64) (Series, error) {
	if math.IsNaN(fracStart) || math.IsNaN(fracEnd) || fracStart < 0 || fracEnd > 1 || fracStart > fracEnd {
		return Series{}, fmt.Errorf("invalid truncation fractions [%v, %v]: %w", fracStart, fracEnd, abfe.ErrData)
	}
	n := len(s.Points)
	lo, hi := truncIndex(fracStart, n), truncIndex(fracEnd, n)
	out := Series{Lambda: s.Lambda, Replicate: s.Replicate, Points: make([]Point, hi-lo)}
	copy(out.Points, s.Points[lo:hi])
	return out, nil
}

// TruncateSet applies Truncate to every replicate.
func TruncateSet(set SeriesSet, fracStart, fracEnd float64) (SeriesSet, error) {
	out := make(SeriesSet, len(set))
	for i, s := range set {
		t, err := Truncate(s, fracStart, fracEnd)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
