package gradients

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ensequil/ensequil/abfe"
)

// Method selects the equilibration detection policy.
type Method string

const (
	// MethodBlockGradient tracks the slope of block-averaged gradients.
	MethodBlockGradient Method = "block_gradient"
	// MethodChodera maximises the effectively uncorrelated samples retained.
	MethodChodera Method = "chodera"
)

// validMethods maps accepted method strings.
var validMethods = map[Method]bool{
	MethodBlockGradient: true,
	MethodChodera:       true,
}

// IsValidMethod returns true if the given string names a detection method.
func IsValidMethod(m string) bool {
	return validMethods[Method(m)]
}

// DetectConfig parameterises Detect.
type DetectConfig struct {
	Method            Method
	BlockSize         float64  // ns, block_gradient only
	GradientThreshold *float64 // kcal mol-1 ns-1; nil = first sign change
	ChoderaSkip       int      // stride of candidate cuts, 0 = every sample
}

// BlockGradient is the pooled regression slope between block K-1 and block K.
type BlockGradient struct {
	Block int
	Time  float64 // start of block K-1
	Slope float64 // kcal mol-1 ns-1
}

// Result is the outcome of an equilibration check.
type Result struct {
	Equilibrated bool
	EquilTime    *float64 // ns; nil when not equilibrated
	Method       Method
	Gradients    []BlockGradient // block_gradient only
	StatIneff    float64         // chodera only, samples
	NEff         float64         // chodera only
}

// Detect runs the configured detection method on a window's replicate series.
func Detect(set SeriesSet, cfg DetectConfig) (Result, error) {
	switch cfg.Method {
	case MethodBlockGradient, "":
		return DetectBlockGradient(set, cfg.BlockSize, cfg.GradientThreshold)
	case MethodChodera:
		return detectChodera(set, cfg.ChoderaSkip)
	default:
		return Result{}, fmt.Errorf("unknown equilibration method %q: %w", cfg.Method, abfe.ErrConfiguration)
	}
}

// DetectBlockGradient declares equilibration at the earliest block boundary
// where the regression slope of block-mean gradient against time, pooled
// across replicates, has absolute value at most threshold. With a nil
// threshold the first sign change of the slope is used instead; this is a
// heuristic, not a significance test. The returned time is the start of the
// earlier block of the qualifying pair. Series shorter than two blocks are
// reported as not equilibrated.
func DetectBlockGradient(set SeriesSet, blockSize float64, threshold *float64) (Result, error) {
	res := Result{Method: MethodBlockGradient}
	if err := set.Validate(); err != nil {
		return res, err
	}
	if !(blockSize > 0) || math.IsInf(blockSize, 0) {
		return res, fmt.Errorf("block size must be positive, got %v: %w", blockSize, abfe.ErrData)
	}
	if threshold != nil && (*threshold < 0 || math.IsNaN(*threshold)) {
		return res, fmt.Errorf("gradient threshold must be non-negative, got %v: %w", *threshold, abfe.ErrData)
	}

	origin := math.Inf(1)
	for _, s := range set {
		origin = math.Min(origin, s.Points[0].Time)
	}
	perReplicate := make([][]Block, len(set))
	maxBlocks := 0
	for i, s := range set {
		perReplicate[i] = blocksFrom(s, origin, blockSize)
		if len(perReplicate[i]) > maxBlocks {
			maxBlocks = len(perReplicate[i])
		}
	}

	var last float64
	for k := 1; k < maxBlocks; k++ {
		var xs, ys []float64
		for _, blocks := range perReplicate {
			if len(blocks) <= k {
				continue
			}
			xs = append(xs, blocks[k-1].Mid(), blocks[k].Mid())
			ys = append(ys, blocks[k-1].Mean, blocks[k].Mean)
		}
		_, slope := stat.LinearRegression(xs, ys, nil, false)
		start := origin + float64(k-1)*blockSize
		res.Gradients = append(res.Gradients, BlockGradient{Block: k, Time: start, Slope: slope})

		qualifies := false
		if threshold != nil {
			qualifies = math.Abs(slope) <= *threshold
		} else if k > 1 {
			qualifies = sign(slope) != sign(last)
		}
		last = slope
		if qualifies && !res.Equilibrated {
			t := start
			res.Equilibrated = true
			res.EquilTime = &t
		}
	}
	return res, nil
}

// DetectChodera applies reverse cumulative statistical-inefficiency scanning to
// the replicate-mean series (truncated to the shortest replicate) and returns
// the cut maximising the effectively uncorrelated samples retained.
func DetectChodera(set SeriesSet) (Result, error) {
	return detectChodera(set, 1)
}

func detectChodera(set SeriesSet, skip int) (Result, error) {
	res := Result{Method: MethodChodera}
	if err := set.Validate(); err != nil {
		return res, err
	}
	n := set[0].Len()
	for _, s := range set[1:] {
		if s.Len() < n {
			n = s.Len()
		}
	}
	if n < 3 {
		return res, nil
	}
	pooled := make([]float64, n)
	for _, s := range set {
		for i := 0; i < n; i++ {
			pooled[i] += s.Points[i].Gradient
		}
	}
	for i := range pooled {
		pooled[i] /= float64(len(set))
	}

	scan := scanEquilibration(pooled, skip)
	t := set[0].Points[scan.Index].Time
	res.Equilibrated = true
	res.EquilTime = &t
	res.StatIneff = scan.StatIneff
	res.NEff = scan.NEff
	return res, nil
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
