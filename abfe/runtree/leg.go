package runtree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/internal/logfile"
	"github.com/ensequil/ensequil/abfe/queue"
)

type legState struct {
	Type                 LegType          `yaml:"type"`
	EnsembleSize         int              `yaml:"ensemble_size"`
	Detection            Detection        `yaml:"detection"`
	PrepStage            PreparationStage `yaml:"prep_stage"`
	RestraintCorrections []float64        `yaml:"restraint_corrections,omitempty"` // kcal mol-1 per replicate, bound leg only
}

// LegConfig configures a new leg. A snapshot in the leg dir overrides it.
type LegConfig struct {
	Type         LegType
	EnsembleSize int
	Detection    Detection
	// RestraintCorrections are the analytical corrections for releasing the
	// bound-leg restraints, one per replicate or a single value for all.
	RestraintCorrections []float64
	// LambdaValues overrides DefaultLambdaValues per stage.
	LambdaValues map[StageType][]float64
	InputDir     string // defaults to <dir>/input
}

// Leg is one thermodynamic branch of a calculation. It owns the virtual
// queue that all of its simulations submit through.
type Leg struct {
	base

	st     legState
	stages []*Stage
}

// NewLeg creates or reloads the leg in dir. Its stages live in dir/<stage>.
func NewLeg(dir string, cfg LegConfig, env Env) (*Leg, error) {
	if _, ok := RequiredStages[cfg.Type]; !ok {
		return nil, fmt.Errorf("unknown leg type %q: %w", cfg.Type, abfe.ErrConfiguration)
	}
	if cfg.EnsembleSize < 1 {
		return nil, fmt.Errorf("ensemble size must be at least 1, got %d: %w", cfg.EnsembleSize, abfe.ErrConfiguration)
	}
	if err := cfg.Detection.validate(); err != nil {
		return nil, err
	}
	b, err := newBase(KindLeg, dir, cfg.InputDir, env)
	if err != nil {
		return nil, err
	}
	l := &Leg{base: b, st: legState{
		Type:         cfg.Type,
		EnsembleSize: cfg.EnsembleSize,
		Detection:    cfg.Detection,
	}}
	reloaded, err := l.loadState(&l.st)
	if err != nil {
		return nil, err
	}
	if !reloaded {
		if l.st.PrepStage, err = l.validateInput(); err != nil {
			return nil, err
		}
		if l.st.RestraintCorrections, err = l.restraintCorrections(cfg.RestraintCorrections); err != nil {
			return nil, err
		}
	}

	q, err := queue.NewVirtualQueue(queue.Config{
		Name:     string(l.st.Type),
		Dir:      dir,
		Capacity: env.queueCapacity(),
		Logger:   logfile.New(filepath.Join(dir, queue.LogFile), env.StreamLevel, env.Stream),
		Trace:    env.Trace,
	}, env.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("%s leg: %w", l.st.Type, err)
	}
	l.env.queue = q

	for _, st := range RequiredStages[l.st.Type] {
		vals := cfg.LambdaValues[st]
		if vals == nil {
			vals = DefaultLambdaValues[l.st.Type][st]
		}
		stage, err := NewStage(filepath.Join(dir, string(st)), StageConfig{
			Type:         st,
			LambdaValues: vals,
			EnsembleSize: l.st.EnsembleSize,
			Detection:    l.st.Detection,
			InputDir:     l.inputDir,
		}, l.env)
		if err != nil {
			return nil, err
		}
		l.stages = append(l.stages, stage)
	}
	return l, l.Save()
}

// validateInput returns the most advanced preparation stage whose input
// files are all present.
func (l *Leg) validateInput() (PreparationStage, error) {
	for p := PrepPreequilibrated; p >= PrepStructuresOnly; p-- {
		if l.hasInputs(p) {
			l.log.Infof("found all required input files for preparation stage %s", p)
			return p, nil
		}
	}
	return 0, fmt.Errorf("%s leg: no preparation stage has all its input files in %s: %w",
		l.st.Type, l.inputDir, abfe.ErrConfiguration)
}

func (l *Leg) hasInputs(p PreparationStage) bool {
	for _, f := range p.RequiredInputFiles(l.st.Type) {
		if _, err := os.Stat(filepath.Join(l.inputDir, f)); err != nil {
			return false
		}
	}
	return true
}

func (l *Leg) restraintCorrections(in []float64) ([]float64, error) {
	n := l.st.EnsembleSize
	if l.st.Type != LegBound {
		if len(in) > 0 {
			return nil, fmt.Errorf("restraint corrections only apply to the bound leg: %w", abfe.ErrConfiguration)
		}
		return nil, nil
	}
	switch len(in) {
	case 0:
		l.log.Warn("no restraint corrections supplied for the bound leg, using zero")
		return make([]float64, n), nil
	case 1:
		out := make([]float64, n)
		for i := range out {
			out[i] = in[0]
		}
		return out, nil
	case n:
		return append([]float64(nil), in...), nil
	}
	return nil, fmt.Errorf("%d restraint corrections for %d replicates: %w", len(in), n, abfe.ErrConfiguration)
}

// Type returns the leg type.
func (l *Leg) Type() LegType { return l.st.Type }

// PrepStage returns the preparation stage the input was validated at.
func (l *Leg) PrepStage() PreparationStage { return l.st.PrepStage }

// RestraintCorrections returns a copy of the per-replicate corrections.
func (l *Leg) RestraintCorrections() []float64 {
	return append([]float64(nil), l.st.RestraintCorrections...)
}

func (l *Leg) DGMultiplier() int { return l.st.Type.DGMultiplier() }
func (l *Leg) EnsembleSize() int { return l.st.EnsembleSize }

// Stages returns the stages in run order.
func (l *Leg) Stages() []*Stage { return l.stages }

func (l *Leg) Children() []Node {
	out := make([]Node, len(l.stages))
	for i, s := range l.stages {
		out[i] = s
	}
	return out
}

func (l *Leg) Run(ctx context.Context, opts RunOptions) error {
	l.log.Infof("running %s leg", l.st.Type)
	for _, s := range l.stages {
		if err := s.Run(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

func (l *Leg) Kill(ctx context.Context) error {
	l.log.Infof("killing %s leg", l.st.Type)
	return killChildren(ctx, l)
}

func (l *Leg) Running() bool {
	return anyChild(l, func(n Node) bool { return n.Running() })
}

func (l *Leg) TotSimtime() float64 {
	return sumChildren(l, func(n Node) float64 { return n.TotSimtime() })
}

func (l *Leg) EquilTime() float64 {
	return sumChildren(l, func(n Node) float64 { return n.EquilTime() })
}

func (l *Leg) Equilibrated() bool {
	return allChildren(l, func(n Node) bool { return n.Equilibrated() })
}

// Analyse sums the stages and, for the bound leg, adds the restraint corrections.
func (l *Leg) Analyse(ctx context.Context) (Result, error) {
	r, err := combineChildren(ctx, l)
	if err != nil {
		return Result{}, fmt.Errorf("%s leg: %w", l.st.Type, err)
	}
	if l.st.RestraintCorrections != nil {
		r.AddOffset(l.st.RestraintCorrections)
	}
	l.log.Infof("free energy changes: %v kcal mol-1, errors: %v kcal mol-1", r.DG, r.Er)
	return r, nil
}

func (l *Leg) AnalyseConvergence(ctx context.Context) (Convergence, error) {
	c, err := combineChildConvergence(ctx, l)
	if err != nil {
		return Convergence{}, fmt.Errorf("%s leg: %w", l.st.Type, err)
	}
	if l.st.RestraintCorrections != nil {
		c.AddOffset(l.st.RestraintCorrections)
	}
	return c, nil
}

// OptimiseLambdaValues runs every window non-adaptively for runtime, waits,
// and re-spaces each stage so every window contributes deltaSEM of
// integrated SEM. The short runs are kept in output_lam_val_determination.
func (l *Leg) OptimiseLambdaValues(ctx context.Context, deltaSEM, runtime float64, interval time.Duration) error {
	if !(deltaSEM > 0) {
		return fmt.Errorf("delta SEM must be positive, got %v: %w", deltaSEM, abfe.ErrConfiguration)
	}
	l.log.Infof("determining optimal lambda values with %g ns per window", runtime)
	if err := l.Run(ctx, RunOptions{Runtime: runtime, PollInterval: interval}); err != nil {
		return err
	}
	if err := Wait(ctx, l, interval); err != nil {
		return err
	}
	var errs []error
	for _, s := range l.stages {
		vals, err := s.OptimalLambdaValues(ctx, deltaSEM)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.updateLambdaValues(vals, LambdaDeterminationSaveName, deltaSEM); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Leg) Save() error {
	st := l.st
	if err := l.saveState(&st); err != nil {
		return err
	}
	return saveChildren(l)
}
