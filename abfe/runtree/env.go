package runtree

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/estimate"
	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/queue"
	"github.com/ensequil/ensequil/abfe/trace"
)

// DefaultCommandTemplate is the scheduler command of one simulation segment.
// {dir}, {input}, {lambda} and {runtime} are substituted.
const DefaultCommandTemplate = "--chdir {dir} {input}/run_somd.sh {lambda} {runtime}"

// DefaultQueueCapacity bounds the jobs each leg hands to the scheduler at once.
const DefaultQueueCapacity = 2000

// DefaultPollInterval is the sleep between status checks in Wait and the adaptive monitor.
const DefaultPollInterval = 30 * time.Second

// Env carries the runtime handles shared down the tree. It is never persisted.
type Env struct {
	Scheduler       queue.Scheduler
	QueueCapacity   int                // 0 means DefaultQueueCapacity
	Estimator       estimate.Estimator // defaults to estimate.TIEstimator
	Trace           *trace.Recorder
	StreamLevel     logrus.Level
	Stream          io.Writer // nil disables the stream echo
	CommandTemplate string

	// queue is set by the owning Leg for its subtree.
	queue *queue.VirtualQueue
}

func (e Env) estimator() estimate.Estimator {
	if e.Estimator == nil {
		return estimate.TIEstimator{}
	}
	return e.Estimator
}

func (e Env) queueCapacity() int {
	if e.QueueCapacity == 0 {
		return DefaultQueueCapacity
	}
	return e.QueueCapacity
}

func (e Env) command(dir, input string, lambda, runtime float64) string {
	tmpl := e.CommandTemplate
	if tmpl == "" {
		tmpl = DefaultCommandTemplate
	}
	return strings.NewReplacer(
		"{dir}", dir,
		"{input}", input,
		"{lambda}", fmt.Sprintf("%.3f", lambda),
		"{runtime}", fmt.Sprintf("%g", runtime),
	).Replace(tmpl)
}

// Detection selects and parameterises equilibration detection.
type Detection struct {
	Method            gradients.Method `yaml:"method"`
	BlockSize         float64          `yaml:"block_size"`                   // ns
	GradientThreshold *float64         `yaml:"gradient_threshold,omitempty"` // kcal mol-1 ns-1
}

// DefaultDetection is block-gradient detection on 1 ns blocks, equilibrated
// at the first sign change of the gradient.
func DefaultDetection() Detection {
	return Detection{Method: gradients.MethodBlockGradient, BlockSize: 1}
}

func (d Detection) validate() error {
	if !gradients.IsValidMethod(string(d.Method)) {
		return fmt.Errorf("unknown equilibration method %q: %w", d.Method, abfe.ErrConfiguration)
	}
	if d.Method == gradients.MethodBlockGradient && !(d.BlockSize > 0) {
		return fmt.Errorf("block size must be positive, got %v: %w", d.BlockSize, abfe.ErrConfiguration)
	}
	return nil
}

func (d Detection) config() gradients.DetectConfig {
	return gradients.DetectConfig{Method: d.Method, BlockSize: d.BlockSize, GradientThreshold: d.GradientThreshold}
}

// RunOptions controls a run of a subtree.
type RunOptions struct {
	Runtime          float64       // ns per replicate per submission
	Adaptive         bool          // keep extending windows until equilibrated
	MaxWindowSimtime float64       // ns summed over replicates; adaptive extension stops here
	PollInterval     time.Duration // adaptive monitor period
}

func (o RunOptions) validate() error {
	if !(o.Runtime > 0) {
		return fmt.Errorf("runtime must be positive, got %v: %w", o.Runtime, abfe.ErrConfiguration)
	}
	if o.Adaptive && o.MaxWindowSimtime < o.Runtime {
		return fmt.Errorf("max window simtime %v is below the runtime %v: %w", o.MaxWindowSimtime, o.Runtime, abfe.ErrConfiguration)
	}
	return nil
}

func (o RunOptions) interval() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return o.PollInterval
}
