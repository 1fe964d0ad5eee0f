package runtree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/internal/logfile"
	"github.com/ensequil/ensequil/abfe/queue"
)

// Node is the behaviour shared by every level of the run tree.
type Node interface {
	Kind() Kind
	BaseDir() string
	DGMultiplier() int
	EnsembleSize() int
	Children() []Node

	Run(ctx context.Context, opts RunOptions) error
	Kill(ctx context.Context) error
	Running() bool

	// Analyse returns one estimate per replicate.
	Analyse(ctx context.Context) (Result, error)
	// AnalyseConvergence returns dg per replicate at each of ConvergenceFractions.
	AnalyseConvergence(ctx context.Context) (Convergence, error)

	TotSimtime() float64 // ns, summed over children
	EquilTime() float64  // ns, summed over children
	Equilibrated() bool  // all children equilibrated

	// Save writes the snapshot of this node and its subtree.
	Save() error
}

// base holds the directory layout, logger and runtime handles of a node.
type base struct {
	kind      Kind
	baseDir   string
	inputDir  string
	outputDir string
	log       *logrus.Logger
	env       Env
}

func newBase(kind Kind, baseDir, inputDir string, env Env) (base, error) {
	if baseDir == "" {
		return base{}, fmt.Errorf("%s: empty base dir: %w", kind, abfe.ErrConfiguration)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return base{}, fmt.Errorf("creating %s dir: %w", kind, err)
	}
	if inputDir == "" {
		inputDir = filepath.Join(baseDir, "input")
	}
	return base{
		kind:      kind,
		baseDir:   baseDir,
		inputDir:  inputDir,
		outputDir: filepath.Join(baseDir, "output"),
		log:       logfile.New(filepath.Join(baseDir, string(kind)+".log"), env.StreamLevel, env.Stream),
		env:       env,
	}, nil
}

func (b *base) Kind() Kind        { return b.kind }
func (b *base) BaseDir() string   { return b.baseDir }
func (b *base) InputDir() string  { return b.inputDir }
func (b *base) OutputDir() string { return b.outputDir }

// Queue returns the virtual queue this node submits to, if any.
func (b *base) Queue() *queue.VirtualQueue { return b.env.queue }

func (b *base) snapshotPath() string {
	return filepath.Join(b.baseDir, string(b.kind)+".yaml")
}

// saveState writes state atomically to the node's snapshot file.
func (b *base) saveState(state interface{}) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", b.kind, err)
	}
	tmp := b.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s snapshot: %w", b.kind, err)
	}
	if err := os.Rename(tmp, b.snapshotPath()); err != nil {
		return fmt.Errorf("replacing %s snapshot: %w", b.kind, err)
	}
	return nil
}

// loadState decodes the node's snapshot into state, reporting whether one existed.
// Unknown fields are rejected.
func (b *base) loadState(state interface{}) (bool, error) {
	f, err := os.Open(b.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening %s snapshot: %w", b.kind, err)
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(state); err != nil {
		return false, fmt.Errorf("decoding %s: %w: %w", b.snapshotPath(), abfe.ErrConfiguration, err)
	}
	b.log.Infof("loaded previous %s from %s; supplied arguments are overridden", b.kind, b.snapshotPath())
	return true, nil
}

// Queues returns the distinct virtual queues used in the subtree of n.
func Queues(n Node) []*queue.VirtualQueue {
	seen := make(map[*queue.VirtualQueue]bool)
	var out []*queue.VirtualQueue
	var walk func(Node)
	walk = func(n Node) {
		if qo, ok := n.(interface{ Queue() *queue.VirtualQueue }); ok {
			if q := qo.Queue(); q != nil && !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(n)
	return out
}

// Wait sleep-polls until n is no longer running, updating every queue in its
// subtree on each poll. Transient scheduler errors are logged and retried.
func Wait(ctx context.Context, n Node, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	queues := Queues(n)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, q := range queues {
			if err := q.Update(ctx); err != nil {
				if !errors.Is(err, abfe.ErrTransientScheduler) {
					return err
				}
				logrus.Warnf("waiting on %s: %v", n.Kind(), err)
			}
		}
		if !n.Running() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sumChildren adds f over the children of n.
func sumChildren(n Node, f func(Node) float64) float64 {
	total := 0.0
	for _, c := range n.Children() {
		total += f(c)
	}
	return total
}

func allChildren(n Node, f func(Node) bool) bool {
	for _, c := range n.Children() {
		if !f(c) {
			return false
		}
	}
	return true
}

func anyChild(n Node, f func(Node) bool) bool {
	for _, c := range n.Children() {
		if f(c) {
			return true
		}
	}
	return false
}

// combineChildren analyses every child and combines the results with each child's sign.
func combineChildren(ctx context.Context, n Node) (Result, error) {
	parts := make([]Contribution, 0, len(n.Children()))
	for _, c := range n.Children() {
		r, err := c.Analyse(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("%s %s: %w", c.Kind(), c.BaseDir(), err)
		}
		parts = append(parts, Contribution{Result: r, Multiplier: c.DGMultiplier()})
	}
	return Combine(parts)
}

func combineChildConvergence(ctx context.Context, n Node) (Convergence, error) {
	out := NewConvergence(n.EnsembleSize())
	for _, c := range n.Children() {
		conv, err := c.AnalyseConvergence(ctx)
		if err != nil {
			return Convergence{}, fmt.Errorf("%s %s: %w", c.Kind(), c.BaseDir(), err)
		}
		if err := out.Accumulate(conv, c.DGMultiplier()); err != nil {
			return Convergence{}, err
		}
	}
	return out, nil
}

func killChildren(ctx context.Context, n Node) error {
	var errs []error
	for _, c := range n.Children() {
		if err := c.Kill(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func saveChildren(n Node) error {
	for _, c := range n.Children() {
		if err := c.Save(); err != nil {
			return err
		}
	}
	return nil
}
