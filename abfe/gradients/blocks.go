package gradients

import (
	"fmt"
	"math"

	"github.com/ensequil/ensequil/abfe"
)

// Block is the mean gradient over one contiguous block of simulated time.
type Block struct {
	Start float64 // ns, inclusive
	End   float64 // ns, exclusive
	Mean  float64
	N     int // samples in the block
}

// Mid returns the block centre, used as its time stamp in regressions.
func (b Block) Mid() float64 {
	return 0.5 * (b.Start + b.End)
}

// BlockStatistics partitions the series into contiguous blocks of blockSize ns,
// starting at its first sample, and returns the mean gradient of each complete
// block. A series shorter than one block yields no blocks.
func BlockStatistics(s Series, blockSize float64) ([]Block, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if !(blockSize > 0) || math.IsInf(blockSize, 0) {
		return nil, fmt.Errorf("block size must be positive, got %v: %w", blockSize, abfe.ErrData)
	}
	return blocksFrom(s, s.Points[0].Time, blockSize), nil
}

// blocksFrom builds complete blocks on a grid anchored at origin.
// A block counts as complete when the series reaches its end, allowing for
// the final sample standing in for one sample interval.
func blocksFrom(s Series, origin, blockSize float64) []Block {
	n := len(s.Points)
	if n == 0 {
		return nil
	}
	covered := s.Points[n-1].Time - origin + s.SampleInterval()
	nBlocks := int(math.Floor(covered/blockSize + 1e-9))
	if nBlocks <= 0 {
		return nil
	}
	blocks := make([]Block, nBlocks)
	for k := range blocks {
		blocks[k].Start = origin + float64(k)*blockSize
		blocks[k].End = origin + float64(k+1)*blockSize
	}
	sums := make([]float64, nBlocks)
	for _, p := range s.Points {
		k := int(math.Floor((p.Time-origin)/blockSize + 1e-9))
		if k < 0 || k >= nBlocks {
			continue
		}
		sums[k] += p.Gradient
		blocks[k].N++
	}
	out := blocks[:0]
	for k := range blocks {
		if blocks[k].N == 0 {
			// A gap in the data ends the usable block sequence.
			break
		}
		blocks[k].Mean = sums[k] / float64(blocks[k].N)
		out = append(out, blocks[k])
	}
	return out
}
