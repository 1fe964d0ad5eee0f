package runtree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/estimate"
	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/lambda"
	"github.com/ensequil/ensequil/abfe/trace"
)

// LambdaDeterminationSaveName is the suffix of the output directory kept
// from the short runs used to choose λ values.
const LambdaDeterminationSaveName = "lam_val_determination"

type stageState struct {
	Type         StageType `yaml:"type"`
	LambdaValues []float64 `yaml:"lambda_values"`
	EnsembleSize int       `yaml:"ensemble_size"`
	DGMultiplier int       `yaml:"dg_multiplier"`
	Detection    Detection `yaml:"detection"`
	SavedOutputs []string  `yaml:"saved_outputs,omitempty"` // output dirs moved aside by UpdateLambdaValues
}

// StageConfig configures a new stage. A snapshot in the stage dir overrides it.
type StageConfig struct {
	Type         StageType
	LambdaValues []float64
	EnsembleSize int
	DGMultiplier int // 0 means +1
	Detection    Detection
	InputDir     string // defaults to <dir>/input
}

// Stage owns the λ windows of one alchemical transformation.
type Stage struct {
	base

	mu      sync.Mutex
	st      stageState
	windows []*LambdaWindow
	monitor *monitor
}

type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStage creates or reloads the stage in dir. Windows live in
// dir/output/lambda_X.XXX.
func NewStage(dir string, cfg StageConfig, env Env) (*Stage, error) {
	if cfg.DGMultiplier == 0 {
		cfg.DGMultiplier = 1
	}
	if err := validateDGMultiplier(cfg.DGMultiplier); err != nil {
		return nil, err
	}
	if cfg.EnsembleSize < 1 {
		return nil, fmt.Errorf("ensemble size must be at least 1, got %d: %w", cfg.EnsembleSize, abfe.ErrConfiguration)
	}
	b, err := newBase(KindStage, dir, cfg.InputDir, env)
	if err != nil {
		return nil, err
	}
	s := &Stage{base: b, st: stageState{
		Type:         cfg.Type,
		LambdaValues: append([]float64(nil), cfg.LambdaValues...),
		EnsembleSize: cfg.EnsembleSize,
		DGMultiplier: cfg.DGMultiplier,
		Detection:    cfg.Detection,
	}}
	if _, err := s.loadState(&s.st); err != nil {
		return nil, err
	}
	if err := validateDGMultiplier(s.st.DGMultiplier); err != nil {
		return nil, err
	}
	if err := s.buildWindows(); err != nil {
		return nil, err
	}
	return s, s.Save()
}

func (s *Stage) buildWindows() error {
	weights, err := estimate.TrapezoidWeights(s.st.LambdaValues)
	if err != nil {
		return fmt.Errorf("stage %s: %w", s.st.Type, err)
	}
	windows := make([]*LambdaWindow, len(s.st.LambdaValues))
	for i, l := range s.st.LambdaValues {
		dir := filepath.Join(s.outputDir, fmt.Sprintf("lambda_%.3f", l))
		w, err := NewLambdaWindow(dir, s.inputDir, l, s.st.EnsembleSize, s.st.Detection, s.env)
		if err != nil {
			return err
		}
		w.setWeight(weights[i])
		windows[i] = w
	}
	s.windows = windows
	return nil
}

// Type returns the stage type.
func (s *Stage) Type() StageType { return s.st.Type }

func (s *Stage) DGMultiplier() int { return s.st.DGMultiplier }
func (s *Stage) EnsembleSize() int { return s.st.EnsembleSize }

// LambdaValues returns a copy of the current λ list.
func (s *Stage) LambdaValues() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.st.LambdaValues...)
}

// Windows returns the λ windows in ascending λ order.
func (s *Stage) Windows() []*LambdaWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LambdaWindow(nil), s.windows...)
}

func (s *Stage) Children() []Node {
	ws := s.Windows()
	out := make([]Node, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}

// Run submits a segment for every window. With opts.Adaptive, a monitor
// keeps extending windows that have finished without equilibrating, until
// they equilibrate or reach opts.MaxWindowSimtime.
func (s *Stage) Run(ctx context.Context, opts RunOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if s.Running() {
		return fmt.Errorf("stage %s is already running", s.st.Type)
	}
	s.log.Infof("running %d windows for %g ns (adaptive=%v)", len(s.Windows()), opts.Runtime, opts.Adaptive)
	for _, w := range s.Windows() {
		if err := w.Run(ctx, opts); err != nil {
			return err
		}
	}
	if opts.Adaptive {
		mctx, cancel := context.WithCancel(ctx)
		m := &monitor{cancel: cancel, done: make(chan struct{})}
		s.mu.Lock()
		s.monitor = m
		s.mu.Unlock()
		go s.monitorLoop(mctx, m, opts)
	}
	return nil
}

func (s *Stage) monitorLoop(ctx context.Context, m *monitor, opts RunOptions) {
	defer close(m.done)
	defer m.cancel()
	ticker := time.NewTicker(opts.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Infof("adaptive monitor stopped: %v", ctx.Err())
			return
		case <-ticker.C:
		}
		if done := s.monitorStep(ctx, opts); done {
			s.log.Info("adaptive run complete")
			return
		}
	}
}

// monitorStep extends every finished, non-equilibrated window that is below
// the simulation time limit. It reports true once nothing is running and
// nothing was extended.
func (s *Stage) monitorStep(ctx context.Context, opts RunOptions) bool {
	if q := s.env.queue; q != nil {
		if err := q.Update(ctx); err != nil {
			s.log.Warnf("queue update failed: %v", err)
			return false
		}
	}
	busy := false
	for _, w := range s.Windows() {
		if w.Running() {
			busy = true
			continue
		}
		res, err := w.CheckEquilibration()
		if err != nil {
			s.log.Warnf("window %.3f: %v", w.Lambda(), err)
			continue
		}
		if res.Equilibrated {
			continue
		}
		if w.TotSimtime()+float64(w.EnsembleSize())*opts.Runtime > opts.MaxWindowSimtime+1e-9 {
			s.log.Warnf("window %.3f reached the %g ns limit without equilibrating", w.Lambda(), opts.MaxWindowSimtime)
			continue
		}
		s.log.Infof("extending window %.3f by %g ns", w.Lambda(), opts.Runtime)
		if err := w.Run(ctx, opts); err != nil {
			s.log.Errorf("extending window %.3f: %v", w.Lambda(), err)
			continue
		}
		busy = true
	}
	return !busy
}

// Kill stops the adaptive monitor and cancels every job of the stage.
func (s *Stage) Kill(ctx context.Context) error {
	s.mu.Lock()
	m := s.monitor
	s.monitor = nil
	s.mu.Unlock()
	if m != nil {
		m.cancel()
		<-m.done
	}
	s.log.Info("killing stage")
	return killChildren(ctx, s)
}

func (s *Stage) monitorActive() bool {
	s.mu.Lock()
	m := s.monitor
	s.mu.Unlock()
	if m == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (s *Stage) Running() bool {
	return s.monitorActive() || anyChild(s, func(n Node) bool { return n.Running() })
}

func (s *Stage) TotSimtime() float64 {
	return sumChildren(s, func(n Node) float64 { return n.TotSimtime() })
}

func (s *Stage) EquilTime() float64 {
	return sumChildren(s, func(n Node) float64 { return n.EquilTime() })
}

func (s *Stage) Equilibrated() bool {
	return allChildren(s, func(n Node) bool { return n.Equilibrated() })
}

// Analyse analyses the windows concurrently and sums their contributions.
func (s *Stage) Analyse(ctx context.Context) (Result, error) {
	ws := s.Windows()
	results := make([]Result, len(ws))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range ws {
		g.Go(func() error {
			r, err := w.Analyse(gctx)
			if err != nil {
				return fmt.Errorf("window %.3f: %w", w.Lambda(), err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("stage %s: %w", s.st.Type, err)
	}
	parts := make([]Contribution, len(ws))
	for i, w := range ws {
		parts[i] = Contribution{Result: results[i], Multiplier: w.DGMultiplier()}
	}
	out, err := Combine(parts)
	if err != nil {
		return Result{}, err
	}
	s.log.Infof("free energy changes: %v kcal mol-1, errors: %v kcal mol-1", out.DG, out.Er)
	return out, nil
}

// AnalyseConvergence sums the windows' convergence curves.
func (s *Stage) AnalyseConvergence(ctx context.Context) (Convergence, error) {
	return combineChildConvergence(ctx, s)
}

// GradientSummary aggregates each window's gradients concurrently, in λ order.
func (s *Stage) GradientSummary(ctx context.Context, equilibrated bool) ([]*gradients.Stats, error) {
	ws := s.Windows()
	out := make([]*gradients.Stats, len(ws))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range ws {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st, err := w.Stats(equilibrated)
			if err != nil {
				return fmt.Errorf("window %.3f: %w", w.Lambda(), err)
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// OptimalLambdaValues re-spaces the windows so each contributes deltaSEM of
// integrated SEM, using all samples collected so far.
func (s *Stage) OptimalLambdaValues(ctx context.Context, deltaSEM float64) ([]float64, error) {
	stats, err := s.GradientSummary(ctx, false)
	if err != nil {
		return nil, err
	}
	windows := make([]lambda.WindowSEM, len(stats))
	for i, st := range stats {
		windows[i] = lambda.WindowSEM{Lambda: st.Lambda, SEM: st.SEMOverall}
	}
	vals, err := lambda.Optimise(windows, deltaSEM)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", s.st.Type, err)
	}
	s.log.Infof("optimal lambda values for delta SEM %g: %v", deltaSEM, vals)
	return vals, nil
}

// UpdateLambdaValues replaces the windows with new ones at vals. The old
// output dir is moved to output_<saveName> (numbered if that exists).
func (s *Stage) UpdateLambdaValues(vals []float64, saveName string) error {
	return s.updateLambdaValues(vals, saveName, 0)
}

func (s *Stage) updateLambdaValues(vals []float64, saveName string, deltaSEM float64) error {
	if s.Running() {
		return fmt.Errorf("stage %s: cannot change lambda values while running", s.st.Type)
	}
	if _, err := estimate.TrapezoidWeights(vals); err != nil {
		return fmt.Errorf("stage %s: %w", s.st.Type, err)
	}
	old := s.LambdaValues()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.outputDir); err == nil {
		dest := filepath.Join(s.baseDir, "output_"+saveName)
		for i := 1; ; i++ {
			if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
				break
			}
			dest = filepath.Join(s.baseDir, fmt.Sprintf("output_%s_%d", saveName, i))
		}
		if err := os.Rename(s.outputDir, dest); err != nil {
			return fmt.Errorf("saving old output: %w", err)
		}
		s.st.SavedOutputs = append(s.st.SavedOutputs, dest)
		s.log.Infof("moved previous output to %s", dest)
	}
	s.st.LambdaValues = append([]float64(nil), vals...)
	if err := s.buildWindows(); err != nil {
		return err
	}
	s.env.Trace.RecordLambdaUpdate(trace.LambdaUpdateRecord{
		Stage: s.baseDir, DeltaSEM: deltaSEM, Old: old, New: vals, Time: time.Now(),
	})
	s.log.Infof("lambda values updated from %v to %v", old, vals)
	return s.saveLocked()
}

// MBARResults reads the MBAR estimate of each replicate from the stage output dir.
func (s *Stage) MBARResults() (Result, error) {
	out := NewResult(s.st.EnsembleSize)
	for r := 1; r <= s.st.EnsembleSize; r++ {
		est, err := estimate.ReadMBARResult(estimate.MBAROutputPath(s.outputDir, r, 0, 1))
		if err != nil {
			return Result{}, err
		}
		out.DG[r-1], out.Er[r-1] = est.DG, est.Er
	}
	return out, nil
}

// OverlapMatrix reads the MBAR overlap matrix of one replicate.
func (s *Stage) OverlapMatrix(run int) (*mat.Dense, error) {
	if run < 1 || run > s.st.EnsembleSize {
		return nil, fmt.Errorf("run %d outside 1..%d: %w", run, s.st.EnsembleSize, abfe.ErrNotFound)
	}
	return estimate.ReadOverlapMatrix(estimate.MBAROutputPath(s.outputDir, run, 0, 1))
}

func (s *Stage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Stage) saveLocked() error {
	st := s.st
	if err := s.saveState(&st); err != nil {
		return err
	}
	for _, w := range s.windows {
		if err := w.Save(); err != nil {
			return err
		}
	}
	return nil
}
