package runtree

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/trace"
)

type windowState struct {
	Lambda       float64   `yaml:"lambda"`
	EnsembleSize int       `yaml:"ensemble_size"`
	Detection    Detection `yaml:"detection"`
	Equilibrated bool      `yaml:"equilibrated"`
	EquilTime    *float64  `yaml:"equil_time,omitempty"` // ns, per replicate
}

// LambdaWindow owns the replicate simulations at one λ value and decides
// when they have equilibrated.
type LambdaWindow struct {
	base

	mu   sync.Mutex
	st   windowState
	sims []*Simulation
	last *gradients.Result // cached detection outcome, cleared by Reset
}

// NewLambdaWindow creates or reloads the window in dir with one simulation
// per replicate in dir/run_NN.
func NewLambdaWindow(dir, inputDir string, lambda float64, ensembleSize int, det Detection, env Env) (*LambdaWindow, error) {
	if ensembleSize < 1 {
		return nil, fmt.Errorf("ensemble size must be at least 1, got %d: %w", ensembleSize, abfe.ErrConfiguration)
	}
	if err := det.validate(); err != nil {
		return nil, err
	}
	b, err := newBase(KindLambdaWindow, dir, inputDir, env)
	if err != nil {
		return nil, err
	}
	w := &LambdaWindow{
		base: b,
		st:   windowState{Lambda: lambda, EnsembleSize: ensembleSize, Detection: det},
	}
	if _, err := w.loadState(&w.st); err != nil {
		return nil, err
	}
	for r := 1; r <= w.st.EnsembleSize; r++ {
		sim, err := NewSimulation(filepath.Join(dir, fmt.Sprintf("run_%02d", r)), inputDir, w.st.Lambda, r, env)
		if err != nil {
			return nil, err
		}
		w.sims = append(w.sims, sim)
	}
	return w, w.Save()
}

func (w *LambdaWindow) DGMultiplier() int { return 1 }
func (w *LambdaWindow) EnsembleSize() int { return w.st.EnsembleSize }

// Lambda returns the λ value of the window.
func (w *LambdaWindow) Lambda() float64 { return w.st.Lambda }

// Simulations returns the replicate simulations in replicate order.
func (w *LambdaWindow) Simulations() []*Simulation { return w.sims }

func (w *LambdaWindow) Children() []Node {
	out := make([]Node, len(w.sims))
	for i, s := range w.sims {
		out[i] = s
	}
	return out
}

// setWeight sets the quadrature weight used by the estimator.
func (w *LambdaWindow) setWeight(weight float64) {
	for _, s := range w.sims {
		s.mu.Lock()
		s.weight = weight
		s.mu.Unlock()
	}
}

// Run submits a segment for every replicate and clears the cached detection.
func (w *LambdaWindow) Run(ctx context.Context, opts RunOptions) error {
	w.Reset()
	for _, s := range w.sims {
		if err := s.Run(ctx, opts); err != nil {
			return err
		}
	}
	return w.Save()
}

func (w *LambdaWindow) Kill(ctx context.Context) error { return killChildren(ctx, w) }

func (w *LambdaWindow) Running() bool {
	return anyChild(w, func(n Node) bool { return n.Running() })
}

func (w *LambdaWindow) TotSimtime() float64 {
	return sumChildren(w, func(n Node) float64 { return n.TotSimtime() })
}

// EquilTime is the discarded time summed over replicates.
func (w *LambdaWindow) EquilTime() float64 {
	return sumChildren(w, func(n Node) float64 { return n.EquilTime() })
}

// Equilibrated returns the cached outcome of the last detection.
func (w *LambdaWindow) Equilibrated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st.Equilibrated
}

// Reset clears the cached detection outcome.
func (w *LambdaWindow) Reset() {
	w.mu.Lock()
	w.last = nil
	w.st.Equilibrated = false
	w.st.EquilTime = nil
	w.mu.Unlock()
	for _, s := range w.sims {
		s.setEquilibration(false, 0)
	}
}

// series reads the output of every replicate that has not failed.
func (w *LambdaWindow) series() (gradients.SeriesSet, error) {
	var set gradients.SeriesSet
	failed := 0
	for _, s := range w.sims {
		if s.Failed() {
			failed++
			w.log.Warnf("replicate %d at lambda %.3f failed and is excluded", s.Replicate(), w.st.Lambda)
			continue
		}
		series, err := s.Series()
		if err != nil {
			return nil, err
		}
		set = append(set, series)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("window %.3f: all %d replicates failed: %w", w.st.Lambda, failed, abfe.ErrSimulationFailure)
	}
	return set, nil
}

// CheckEquilibration runs detection over all replicates, or returns the
// cached outcome. On success the post-equilibration samples are written to
// each replicate's equilibrated simfile.
func (w *LambdaWindow) CheckEquilibration() (gradients.Result, error) {
	w.mu.Lock()
	if w.last != nil {
		res := *w.last
		w.mu.Unlock()
		return res, nil
	}
	w.mu.Unlock()

	set, err := w.series()
	if err != nil {
		return gradients.Result{}, err
	}
	res, err := gradients.Detect(set, w.st.Detection.config())
	if err != nil {
		return gradients.Result{}, fmt.Errorf("window %.3f: %w", w.st.Lambda, err)
	}

	equilTime := 0.0
	if res.Equilibrated {
		equilTime = *res.EquilTime
	}
	w.mu.Lock()
	w.last = &res
	w.st.Equilibrated = res.Equilibrated
	w.st.EquilTime = res.EquilTime
	w.mu.Unlock()
	for _, s := range w.sims {
		s.setEquilibration(res.Equilibrated, equilTime)
	}

	rec := trace.EquilibrationRecord{
		Window: w.baseDir, Lambda: w.st.Lambda, Method: string(res.Method),
		Equilibrated: res.Equilibrated, EquilTime: math.NaN(), TotSimtime: w.TotSimtime(), Time: time.Now(),
	}
	if res.Equilibrated {
		rec.EquilTime = equilTime
		w.log.Infof("equilibrated at %.4f ns (%s)", equilTime, res.Method)
		for _, s := range w.sims {
			if err := s.writeEquilibrated(); err != nil && !errors.Is(err, abfe.ErrSimulationFailure) {
				return res, err
			}
		}
	} else {
		w.log.Infof("not yet equilibrated after %.4f ns (%s)", rec.TotSimtime, res.Method)
	}
	w.env.Trace.RecordEquilibration(rec)
	return res, w.Save()
}

// Stats aggregates the gradients of all working replicates. With
// equilibrated set, only post-equilibration samples are used and the window
// must have equilibrated.
func (w *LambdaWindow) Stats(equilibrated bool) (*gradients.Stats, error) {
	set, err := w.series()
	if err != nil {
		return nil, err
	}
	from := math.Inf(1)
	for _, s := range set {
		if s.Len() > 0 {
			from = math.Min(from, s.Points[0].Time)
		}
	}
	if equilibrated {
		t, err := w.requireEquilibrated()
		if err != nil {
			return nil, err
		}
		from = t
	}
	return gradients.Aggregate(set, from)
}

// requireEquilibrated runs detection if needed and returns the equilibration
// time, failing with ErrData when the window has no post-equilibration data.
func (w *LambdaWindow) requireEquilibrated() (float64, error) {
	res, err := w.CheckEquilibration()
	if err != nil {
		return 0, err
	}
	if !res.Equilibrated {
		return 0, fmt.Errorf("window %.3f has no post-equilibration data: %w", w.st.Lambda, abfe.ErrData)
	}
	return *res.EquilTime, nil
}

// Analyse returns the estimate of each replicate. Failed replicates are NaN.
func (w *LambdaWindow) Analyse(ctx context.Context) (Result, error) {
	if _, err := w.requireEquilibrated(); err != nil {
		return Result{}, err
	}
	out := NewResult(w.st.EnsembleSize)
	for i, s := range w.sims {
		r, err := s.Analyse(ctx)
		if errors.Is(err, abfe.ErrSimulationFailure) {
			out.DG[i], out.Er[i] = math.NaN(), math.NaN()
			continue
		}
		if err != nil {
			return Result{}, err
		}
		out.DG[i], out.Er[i] = r.DG[0], r.Er[0]
	}
	return out, nil
}

// AnalyseConvergence returns each replicate's convergence curve. Failed replicates are NaN.
func (w *LambdaWindow) AnalyseConvergence(ctx context.Context) (Convergence, error) {
	if _, err := w.requireEquilibrated(); err != nil {
		return Convergence{}, err
	}
	out := NewConvergence(w.st.EnsembleSize)
	for i, s := range w.sims {
		c, err := s.AnalyseConvergence(ctx)
		if errors.Is(err, abfe.ErrSimulationFailure) {
			for f := range out.DG[i] {
				out.DG[i][f] = math.NaN()
			}
			continue
		}
		if err != nil {
			return Convergence{}, err
		}
		copy(out.DG[i], c.DG[0])
	}
	return out, nil
}

func (w *LambdaWindow) Save() error {
	w.mu.Lock()
	st := w.st
	w.mu.Unlock()
	if err := w.saveState(&st); err != nil {
		return err
	}
	return saveChildren(w)
}
