package gradients

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/ensequil/ensequil/abfe"
)

// ReplicateStats summarises the post-equilibration data of one replicate.
type ReplicateStats struct {
	Replicate     int
	N             int
	Mean          float64
	Variance      float64 // population variance of the samples
	StatIneff     float64 // samples
	StatIneffTime float64 // ns
	SEM           float64 // sqrt(Variance / (N / StatIneff))
}

// Stats aggregates the replicates of one λ window.
// Inter-run quantities are NaN when fewer than two replicates contribute.
type Stats struct {
	Lambda           float64
	EquilTime        float64
	Mean             float64 // mean of the replicate means
	IntraRunVariance float64 // mean of the replicate variances
	InterRunVariance float64 // sample variance of the replicate means
	SEMIntra         float64
	SEMInter         float64
	SEMOverall       float64
	StatIneff        float64 // mean over replicates, samples
	StatIneffTime    float64 // mean over replicates, ns
	Replicates       []ReplicateStats
}

// Aggregate computes the statistics of the samples at or after equilTime.
// SEMIntra deflates each replicate's sample count by its statistical
// inefficiency; SEMInter is the standard error of the replicate means;
// SEMOverall combines both in quadrature, falling back to SEMIntra alone
// when SEMInter is undefined.
func Aggregate(set SeriesSet, equilTime float64) (*Stats, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	out := &Stats{Lambda: set[0].Lambda, EquilTime: equilTime}
	means := make([]float64, 0, len(set))
	var sumVar, sumSq, sumG, sumGT float64
	for _, s := range set {
		post := s.From(equilTime)
		if post.Len() == 0 {
			return nil, fmt.Errorf("replicate %d at lambda %.3f has no data after %.4f ns: %w",
				s.Replicate, s.Lambda, equilTime, abfe.ErrData)
		}
		x := post.Gradients()
		mean, variance := stat.PopMeanVariance(x, nil)
		g := StatisticalInefficiency(x)
		rs := ReplicateStats{
			Replicate:     s.Replicate,
			N:             len(x),
			Mean:          mean,
			Variance:      variance,
			StatIneff:     g,
			StatIneffTime: g * s.SampleInterval(),
			SEM:           math.Sqrt(variance / (float64(len(x)) / g)),
		}
		out.Replicates = append(out.Replicates, rs)
		means = append(means, mean)
		sumVar += variance
		sumSq += rs.SEM * rs.SEM
		sumG += g
		sumGT += rs.StatIneffTime
	}

	nRuns := float64(len(set))
	out.Mean = stat.Mean(means, nil)
	out.IntraRunVariance = sumVar / nRuns
	out.StatIneff = sumG / nRuns
	out.StatIneffTime = sumGT / nRuns
	out.SEMIntra = math.Sqrt(sumSq/nRuns) / math.Sqrt(nRuns)
	if len(means) < 2 {
		out.InterRunVariance = math.NaN()
		out.SEMInter = math.NaN()
		out.SEMOverall = out.SEMIntra
		return out, nil
	}
	out.InterRunVariance = stat.Variance(means, nil)
	out.SEMInter = stat.StdErr(math.Sqrt(out.InterRunVariance), nRuns)
	out.SEMOverall = math.Hypot(out.SEMIntra, out.SEMInter)
	return out, nil
}
