package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/runtree"
	"github.com/ensequil/ensequil/abfe/trace"
)

// DefaultConfigFile is read from the calculation dir when --config is not given.
const DefaultConfigFile = "ensequil.yaml"

// Config is the full ensequil.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	EnsembleSize         int                                                 `yaml:"ensemble_size"`
	Detection            runtree.Detection                                   `yaml:"detection"`
	RestraintCorrections []float64                                           `yaml:"restraint_corrections"`
	LambdaValues         map[runtree.LegType]map[runtree.StageType][]float64 `yaml:"lambda_values"`
	Scheduler            SchedulerConfig                                     `yaml:"scheduler"`
	Run                  RunConfig                                           `yaml:"run"`
	Trace                trace.TraceLevel                                    `yaml:"trace"`
}

// SchedulerConfig describes the batch scheduler and the per-leg virtual queues.
type SchedulerConfig struct {
	User            string  `yaml:"user"`
	RateLimit       float64 `yaml:"rate_limit"` // calls per second, 0 = unlimited
	Burst           int     `yaml:"burst"`
	QueueCapacity   int     `yaml:"queue_capacity"`
	CommandTemplate string  `yaml:"command_template"`
}

// RunConfig holds the defaults of run and optimise-lambda.
type RunConfig struct {
	Runtime          float64       `yaml:"runtime"` // ns
	Adaptive         bool          `yaml:"adaptive"`
	MaxWindowSimtime float64       `yaml:"max_window_simtime"` // ns
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// DefaultConfig mirrors the defaults of the run tree.
func DefaultConfig() Config {
	return Config{
		EnsembleSize: 5,
		Detection:    runtree.DefaultDetection(),
		Scheduler: SchedulerConfig{
			RateLimit:       2,
			Burst:           4,
			QueueCapacity:   runtree.DefaultQueueCapacity,
			CommandTemplate: runtree.DefaultCommandTemplate,
		},
		Run: RunConfig{
			Runtime:          2.5,
			Adaptive:         true,
			MaxWindowSimtime: 30,
			PollInterval:     runtree.DefaultPollInterval,
		},
		Trace: trace.TraceLevelNone,
	}
}

// LoadConfig reads path over the defaults. A missing file gives the defaults
// unless required is set.
func LoadConfig(path string, required bool) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	// Parse YAML with strict field checking: typos must cause errors
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w: %w", path, abfe.ErrConfiguration, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields the run tree does not check itself.
func (c Config) Validate() error {
	if c.EnsembleSize < 1 {
		return fmt.Errorf("ensemble_size must be at least 1, got %d: %w", c.EnsembleSize, abfe.ErrConfiguration)
	}
	if c.Scheduler.QueueCapacity < 1 {
		return fmt.Errorf("scheduler.queue_capacity must be at least 1, got %d: %w", c.Scheduler.QueueCapacity, abfe.ErrConfiguration)
	}
	if c.Scheduler.RateLimit < 0 {
		return fmt.Errorf("scheduler.rate_limit must not be negative: %w", abfe.ErrConfiguration)
	}
	if !(c.Run.Runtime > 0) {
		return fmt.Errorf("run.runtime must be positive, got %v: %w", c.Run.Runtime, abfe.ErrConfiguration)
	}
	if c.Run.Adaptive && c.Run.MaxWindowSimtime < c.Run.Runtime {
		return fmt.Errorf("run.max_window_simtime %v is below run.runtime %v: %w", c.Run.MaxWindowSimtime, c.Run.Runtime, abfe.ErrConfiguration)
	}
	if c.Trace != "" && !trace.IsValidTraceLevel(string(c.Trace)) {
		return fmt.Errorf("unknown trace level %q: %w", c.Trace, abfe.ErrConfiguration)
	}
	return nil
}

// RunOptions converts the run section.
func (c Config) RunOptions() runtree.RunOptions {
	return runtree.RunOptions{
		Runtime:          c.Run.Runtime,
		Adaptive:         c.Run.Adaptive,
		MaxWindowSimtime: c.Run.MaxWindowSimtime,
		PollInterval:     c.Run.PollInterval,
	}
}

// CalculationConfig converts the calculation fields.
func (c Config) CalculationConfig() runtree.CalculationConfig {
	return runtree.CalculationConfig{
		EnsembleSize:         c.EnsembleSize,
		Detection:            c.Detection,
		RestraintCorrections: c.RestraintCorrections,
		LambdaValues:         c.LambdaValues,
	}
}
