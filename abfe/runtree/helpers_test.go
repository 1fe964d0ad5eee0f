package runtree

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ensequil/ensequil/abfe/gradients"
	"github.com/ensequil/ensequil/abfe/queue"
	"github.com/ensequil/ensequil/abfe/queue/queuetest"
)

func ptr(x float64) *float64 { return &x }

// testDetection declares equilibration at the first block pair whose slope
// is within 0.5 kcal mol-1 ns-1, so flat series equilibrate at t = 0.
func testDetection() Detection {
	return Detection{Method: gradients.MethodBlockGradient, BlockSize: 0.1, GradientThreshold: ptr(0.5)}
}

// engine stands in for the simulation engine: every submission writes the
// series returned by gen into the simulation dir and completes at once.
type engine struct {
	sched *queuetest.FakeScheduler

	mu     sync.Mutex
	counts map[string]int // submissions per simulation dir
}

// newEngine wires gen into a fake scheduler. gen receives the simulation dir
// and the 1-based submission count for that dir.
func newEngine(t *testing.T, gen func(dir string, n int) gradients.Series) *engine {
	t.Helper()
	e := &engine{sched: queuetest.New(), counts: make(map[string]int)}
	e.sched.OnSubmit(func(id int, command string) {
		dir := strings.Fields(command)[1]
		e.mu.Lock()
		e.counts[dir]++
		n := e.counts[dir]
		e.mu.Unlock()
		if err := saveSimfile(dir, gen(dir, n)); err != nil {
			t.Errorf("writing simfile: %v", err)
		}
		e.sched.Finish(id)
	})
	return e
}

func (e *engine) submissions(dir string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[dir]
}

func (e *engine) env() Env {
	return Env{Scheduler: e.sched, StreamLevel: logrus.PanicLevel}
}

// withQueue returns env with an in-memory queue attached, as a Leg would.
func withQueue(t *testing.T, env Env) Env {
	t.Helper()
	q, err := queue.NewVirtualQueue(queue.Config{Name: t.Name(), Capacity: 100}, env.Scheduler)
	require.NoError(t, err)
	env.queue = q
	return env
}

func saveSimfile(dir string, s gradients.Series) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, SimfileName))
	if err != nil {
		return err
	}
	if err := gradients.WriteSimfile(f, s.Lambda, s.Points); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeSimfile(t *testing.T, dir string, s gradients.Series) {
	t.Helper()
	require.NoError(t, saveSimfile(dir, s))
}

// flat returns 101 samples 0.01 ns apart at value, i.e. one ns of output.
func flat(value float64) gradients.Series {
	s := gradients.Series{Points: make([]gradients.Point, 101)}
	for i := range s.Points {
		s.Points[i] = gradients.Point{Time: float64(i) * 0.01, Gradient: value}
	}
	return s
}

// profile returns total ns of output whose gradient falls 5 kcal mol-1 per
// ns until rampEnd and stays flat afterwards.
func profile(total int, rampEnd float64) gradients.Series {
	s := gradients.Series{Points: make([]gradients.Point, 100*total+1)}
	for i := range s.Points {
		t := float64(i) * 0.01
		s.Points[i] = gradients.Point{Time: t, Gradient: 10 - 5*math.Min(t, rampEnd)}
	}
	return s
}

// writeInputs creates the files a leg needs at the given preparation stage.
func writeInputs(t *testing.T, dir string, leg LegType, p PreparationStage) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, f := range p.RequiredInputFiles(leg) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x\n"), 0o644))
	}
}
