package runtree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/internal/logfile"
)

// StatsFile is the report appended to by Calculation.Report in the output dir.
const StatsFile = "overall_stats.dat"

type calculationState struct {
	RunID        string    `yaml:"run_id"`
	EnsembleSize int       `yaml:"ensemble_size"`
	Detection    Detection `yaml:"detection"`
}

// CalculationConfig configures a new calculation. A snapshot in the
// calculation dir overrides it.
type CalculationConfig struct {
	EnsembleSize int
	Detection    Detection
	// RestraintCorrections apply to the bound leg, see LegConfig.
	RestraintCorrections []float64
	// LambdaValues overrides DefaultLambdaValues per leg and stage.
	LambdaValues map[LegType]map[StageType][]float64
	// InputDir is shared by both legs and defaults to <dir>/input.
	InputDir string
}

// Calculation is the root of the run tree: the bound and free legs of one
// absolute binding free energy.
type Calculation struct {
	base

	st   calculationState
	legs []*Leg
}

// NewCalculation creates or reloads the calculation in dir with its legs in
// dir/bound and dir/free.
func NewCalculation(dir string, cfg CalculationConfig, env Env) (*Calculation, error) {
	if cfg.EnsembleSize < 1 {
		return nil, fmt.Errorf("ensemble size must be at least 1, got %d: %w", cfg.EnsembleSize, abfe.ErrConfiguration)
	}
	if err := cfg.Detection.validate(); err != nil {
		return nil, err
	}
	b, err := newBase(KindCalculation, dir, cfg.InputDir, env)
	if err != nil {
		return nil, err
	}
	c := &Calculation{base: b, st: calculationState{
		RunID:        uuid.NewString(),
		EnsembleSize: cfg.EnsembleSize,
		Detection:    cfg.Detection,
	}}
	if _, err := c.loadState(&c.st); err != nil {
		return nil, err
	}
	c.log.Infof("calculation run id %s", c.st.RunID)

	for _, lt := range []LegType{LegBound, LegFree} {
		lc := LegConfig{
			Type:         lt,
			EnsembleSize: c.st.EnsembleSize,
			Detection:    c.st.Detection,
			LambdaValues: cfg.LambdaValues[lt],
			InputDir:     c.inputDir,
		}
		if lt == LegBound {
			lc.RestraintCorrections = cfg.RestraintCorrections
		}
		leg, err := NewLeg(filepath.Join(dir, string(lt)), lc, env)
		if err != nil {
			return nil, err
		}
		c.legs = append(c.legs, leg)
	}
	return c, c.Save()
}

// RunID identifies this calculation across reloads.
func (c *Calculation) RunID() string { return c.st.RunID }

func (c *Calculation) DGMultiplier() int { return 1 }
func (c *Calculation) EnsembleSize() int { return c.st.EnsembleSize }

// Legs returns the bound and free legs.
func (c *Calculation) Legs() []*Leg { return c.legs }

// Leg returns the leg of type t.
func (c *Calculation) Leg(t LegType) (*Leg, error) {
	for _, l := range c.legs {
		if l.Type() == t {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%s leg: %w", t, abfe.ErrNotFound)
}

func (c *Calculation) Children() []Node {
	out := make([]Node, len(c.legs))
	for i, l := range c.legs {
		out[i] = l
	}
	return out
}

func (c *Calculation) Run(ctx context.Context, opts RunOptions) error {
	c.log.Info("running calculation")
	for _, l := range c.legs {
		if err := l.Run(ctx, opts); err != nil {
			return err
		}
	}
	return nil
}

func (c *Calculation) Kill(ctx context.Context) error {
	c.log.Info("killing calculation")
	return killChildren(ctx, c)
}

func (c *Calculation) Running() bool {
	return anyChild(c, func(n Node) bool { return n.Running() })
}

func (c *Calculation) TotSimtime() float64 {
	return sumChildren(c, func(n Node) float64 { return n.TotSimtime() })
}

func (c *Calculation) EquilTime() float64 {
	return sumChildren(c, func(n Node) float64 { return n.EquilTime() })
}

func (c *Calculation) Equilibrated() bool {
	return allChildren(c, func(n Node) bool { return n.Equilibrated() })
}

func (c *Calculation) Analyse(ctx context.Context) (Result, error) {
	r, err := combineChildren(ctx, c)
	if err != nil {
		return Result{}, err
	}
	c.log.Infof("overall free energy changes: %v kcal mol-1, errors: %v kcal mol-1", r.DG, r.Er)
	return r, nil
}

func (c *Calculation) AnalyseConvergence(ctx context.Context) (Convergence, error) {
	return combineChildConvergence(ctx, c)
}

// Report analyses the calculation and appends the summary to
// output/overall_stats.dat.
func (c *Calculation) Report(ctx context.Context) (Summary, error) {
	r, err := c.Analyse(ctx)
	if err != nil {
		return Summary{}, err
	}
	s, err := Summarise(r)
	if err != nil {
		return s, err
	}
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return s, fmt.Errorf("creating output dir: %w", err)
	}
	w := logfile.AppendWriter{Path: filepath.Join(c.outputDir, StatsFile)}
	if _, err := w.Write([]byte(FormatSummary(s))); err != nil {
		return s, fmt.Errorf("writing %s: %w", StatsFile, err)
	}
	return s, nil
}

// FormatSummary renders s in the overall_stats.dat layout.
func FormatSummary(s Summary) string {
	var b strings.Builder
	b.WriteString("###################################### Free Energies ########################################\n")
	fmt.Fprintf(&b, "Mean free energy: %.3f +/- %.3f kcal/mol\n", s.Mean, s.CI95)
	for i := range s.DG {
		fmt.Fprintf(&b, "Free energy from run %d: %.3f +/- %.3f kcal/mol\n", i+1, s.DG[i], s.Er[i])
	}
	fmt.Fprintf(&b, "Replicates contributing: %d of %d\n", s.Contributing, s.Replicates)
	b.WriteString("Errors are 95 % C.I.s based on the assumption of a Gaussian distribution of free energies\n")
	return b.String()
}

func (c *Calculation) Save() error {
	st := c.st
	if err := c.saveState(&st); err != nil {
		return err
	}
	return saveChildren(c)
}
