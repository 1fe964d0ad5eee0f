package runtree

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/estimate"
	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/queue"
)

const (
	// SimfileName is the gradient output written by the engine in each simulation dir.
	SimfileName = "simfile.dat"
	// EquilibratedSimfileName holds the post-equilibration samples only.
	EquilibratedSimfileName = "simfile_equilibrated.dat"
)

type simulationState struct {
	Lambda           float64 `yaml:"lambda"`
	Replicate        int     `yaml:"replicate"`
	JobIDs           []int   `yaml:"job_ids,omitempty"` // every submission, oldest first
	RequestedSimtime float64 `yaml:"requested_simtime"` // ns
	Equilibrated     bool    `yaml:"equilibrated"`
	EquilTime        float64 `yaml:"equil_time"` // ns
}

// Simulation is one replicate at one λ value: the leaf of the run tree.
type Simulation struct {
	base

	mu     sync.Mutex
	st     simulationState
	weight float64 // quadrature weight of the owning window
}

// NewSimulation creates or reloads the simulation in dir. Jobs are submitted
// with the stage's run script from inputDir.
func NewSimulation(dir, inputDir string, lambda float64, replicate int, env Env) (*Simulation, error) {
	b, err := newBase(KindSimulation, dir, inputDir, env)
	if err != nil {
		return nil, err
	}
	s := &Simulation{base: b, st: simulationState{Lambda: lambda, Replicate: replicate}, weight: 1}
	if _, err := s.loadState(&s.st); err != nil {
		return nil, err
	}
	return s, s.Save()
}

func (s *Simulation) DGMultiplier() int { return 1 }
func (s *Simulation) EnsembleSize() int { return 1 }
func (s *Simulation) Children() []Node  { return nil }

// Lambda returns the λ value of the simulation.
func (s *Simulation) Lambda() float64 { return s.st.Lambda }

// Replicate returns the 1-based replicate number.
func (s *Simulation) Replicate() int { return s.st.Replicate }

// Run submits one segment of opts.Runtime ns through the leg's queue.
func (s *Simulation) Run(ctx context.Context, opts RunOptions) error {
	if s.env.queue == nil {
		return fmt.Errorf("simulation %s has no queue: %w", s.baseDir, abfe.ErrConfiguration)
	}
	if s.Running() {
		return fmt.Errorf("simulation %s is already running", s.baseDir)
	}
	cmd := s.env.command(s.baseDir, s.inputDir, s.st.Lambda, opts.Runtime)
	job, err := s.env.queue.Submit(ctx, cmd, filepath.Join(s.baseDir, "slurm-*.out"))
	if err != nil {
		return fmt.Errorf("submitting simulation %s: %w", s.baseDir, err)
	}
	s.mu.Lock()
	s.st.JobIDs = append(s.st.JobIDs, job.ID)
	s.st.RequestedSimtime += opts.Runtime
	s.mu.Unlock()
	s.log.Infof("submitted %s for %g ns at lambda %.3f", job, opts.Runtime, s.st.Lambda)
	return s.Save()
}

func (s *Simulation) lastJob() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.st.JobIDs) == 0 {
		return 0, false
	}
	return s.st.JobIDs[len(s.st.JobIDs)-1], true
}

// Kill cancels the current segment, if it is still queued.
func (s *Simulation) Kill(ctx context.Context) error {
	id, ok := s.lastJob()
	if !ok || s.env.queue == nil {
		return nil
	}
	if err := s.env.queue.Kill(ctx, id); err != nil && !errors.Is(err, abfe.ErrNotFound) {
		return err
	}
	s.log.Infof("killed job %d", id)
	return nil
}

// Running reports whether the latest segment is still queued or running.
func (s *Simulation) Running() bool {
	id, ok := s.lastJob()
	if !ok || s.env.queue == nil {
		return false
	}
	status, _ := s.env.queue.Status(id)
	return status == queue.StatusQueued
}

// Failed reports whether any segment ended with a failure signature.
func (s *Simulation) Failed() bool {
	if s.env.queue == nil {
		return false
	}
	s.mu.Lock()
	ids := append([]int(nil), s.st.JobIDs...)
	s.mu.Unlock()
	for _, id := range ids {
		if status, _ := s.env.queue.Status(id); status == queue.StatusFailed {
			return true
		}
	}
	return false
}

// Series reads the gradient samples written so far.
func (s *Simulation) Series() (gradients.Series, error) {
	sf, err := gradients.ReadSimfile(filepath.Join(s.baseDir, SimfileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return gradients.Series{}, fmt.Errorf("simulation %s has no output yet: %w", s.baseDir, abfe.ErrData)
		}
		return gradients.Series{}, err
	}
	return gradients.Series{Lambda: s.st.Lambda, Replicate: s.st.Replicate, Points: sf.Points}, nil
}

// TotSimtime is the simulated time found in the output, in ns.
func (s *Simulation) TotSimtime() float64 {
	series, err := s.Series()
	if err != nil {
		return 0
	}
	return series.Duration()
}

func (s *Simulation) EquilTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.EquilTime
}

func (s *Simulation) Equilibrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Equilibrated
}

// setEquilibration is called by the owning window after detection.
func (s *Simulation) setEquilibration(equilibrated bool, equilTime float64) {
	s.mu.Lock()
	s.st.Equilibrated = equilibrated
	s.st.EquilTime = equilTime
	s.mu.Unlock()
}

// equilibratedSeries returns the samples at or after the equilibration time.
func (s *Simulation) equilibratedSeries() (gradients.Series, error) {
	if s.Failed() {
		return gradients.Series{}, fmt.Errorf("simulation %s: %w", s.baseDir, abfe.ErrSimulationFailure)
	}
	if !s.Equilibrated() {
		return gradients.Series{}, fmt.Errorf("simulation %s is not equilibrated: %w", s.baseDir, abfe.ErrData)
	}
	series, err := s.Series()
	if err != nil {
		return gradients.Series{}, err
	}
	post := series.From(s.EquilTime())
	if post.Len() == 0 {
		return gradients.Series{}, fmt.Errorf("simulation %s has no data after equilibration: %w", s.baseDir, abfe.ErrData)
	}
	return post, nil
}

// writeEquilibrated writes the post-equilibration samples next to the raw output.
func (s *Simulation) writeEquilibrated() error {
	post, err := s.equilibratedSeries()
	if err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(s.baseDir, EquilibratedSimfileName))
	if err != nil {
		return fmt.Errorf("creating equilibrated simfile: %w", err)
	}
	if err := gradients.WriteSimfile(f, s.st.Lambda, post.Points); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *Simulation) estimate(ctx context.Context, series gradients.Series) (estimate.Estimate, error) {
	s.mu.Lock()
	weight := s.weight
	s.mu.Unlock()
	return s.env.estimator().Estimate(ctx, estimate.WindowData{
		Lambda:    s.st.Lambda,
		Replicate: s.st.Replicate,
		Dir:       s.baseDir,
		Series:    series,
		Weight:    weight,
	})
}

// Analyse estimates the contribution of the post-equilibration samples.
func (s *Simulation) Analyse(ctx context.Context) (Result, error) {
	post, err := s.equilibratedSeries()
	if err != nil {
		return Result{}, err
	}
	est, err := s.estimate(ctx, post)
	if err != nil {
		return Result{}, err
	}
	return Result{DG: []float64{est.DG}, Er: []float64{est.Er}}, nil
}

// AnalyseConvergence estimates the contribution of growing prefixes of the
// post-equilibration samples. Fractions too short to hold a sample are NaN.
func (s *Simulation) AnalyseConvergence(ctx context.Context) (Convergence, error) {
	post, err := s.equilibratedSeries()
	if err != nil {
		return Convergence{}, err
	}
	conv := NewConvergence(1)
	for i, f := range conv.Fractions {
		part, err := gradients.Truncate(post, 0, f)
		if err != nil {
			return Convergence{}, err
		}
		if part.Len() == 0 {
			conv.DG[0][i] = math.NaN()
			continue
		}
		est, err := s.estimate(ctx, part)
		if err != nil {
			return Convergence{}, err
		}
		conv.DG[0][i] = est.DG
	}
	return conv, nil
}

func (s *Simulation) Save() error {
	s.mu.Lock()
	st := s.st
	st.JobIDs = append([]int(nil), s.st.JobIDs...)
	s.mu.Unlock()
	return s.saveState(&st)
}
