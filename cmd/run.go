package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ensequil/ensequil/abfe"
	"github.com/ensequil/ensequil/abfe/runtree"
	"github.com/ensequil/ensequil/abfe/trace"
)

var (
	segmentRuntime float64 // ns per window per submission
	adaptive       bool    // extend windows until equilibrated
	wait           bool    // block until every job has finished
)

// runCmd submits the whole calculation and, by default, waits and reports
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every λ window of both legs",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		opts := s.cfg.RunOptions()
		// Flags override the config file only when given explicitly
		if cmd.Flags().Changed("runtime") {
			opts.Runtime = segmentRuntime
		}
		if cmd.Flags().Changed("adaptive") {
			opts.Adaptive = adaptive
		}
		if opts.Adaptive && !wait {
			return fmt.Errorf("adaptive runs need --wait, windows are only extended while ensequil runs: %w", abfe.ErrConfiguration)
		}

		ctx := cmd.Context()
		logrus.Infof("starting calculation %s (runtime=%g ns, adaptive=%v)", s.calc.RunID(), opts.Runtime, opts.Adaptive)
		if err := s.calc.Run(ctx, opts); err != nil {
			return err
		}
		if !wait {
			return nil
		}
		if err := runtree.Wait(ctx, s.calc, opts.PollInterval); err != nil {
			return err
		}
		summary, err := s.calc.Report(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(cmd.OutOrStdout(), runtree.FormatSummary(summary))
		printTraceSummary(cmd.OutOrStdout(), s.trace)
		return nil
	},
}

// killCmd cancels every job of the calculation
var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Cancel every queued and running job",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		return s.calc.Kill(cmd.Context())
	},
}

func printTraceSummary(w io.Writer, rec *trace.Recorder) {
	if rec == nil {
		return
	}
	ts := trace.Summarize(rec)
	_, _ = fmt.Fprintf(w, "=== Trace Summary ===\n")
	_, _ = fmt.Fprintf(w, "Job transitions: %d (%d failed)\n", ts.TotalTransitions, ts.FailedJobs)
	statuses := make([]string, 0, len(ts.TransitionsByStatus))
	for status := range ts.TransitionsByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		_, _ = fmt.Fprintf(w, "  %s: %d\n", status, ts.TransitionsByStatus[status])
	}
	_, _ = fmt.Fprintf(w, "Equilibration checks: %d (%d windows equilibrated)\n", ts.EquilibrationChecks, ts.WindowsEquilibrated)
	_, _ = fmt.Fprintf(w, "Lambda updates: %d (at most %d windows added at once)\n", ts.LambdaUpdates, ts.MaxWindowsAdded)
}

func init() {
	runCmd.Flags().Float64Var(&segmentRuntime, "runtime", 2.5, "Simulation time per window per submission (ns)")
	runCmd.Flags().BoolVar(&adaptive, "adaptive", true, "Extend windows until they equilibrate")
	runCmd.Flags().BoolVar(&wait, "wait", true, "Wait for all jobs and write overall_stats.dat")
}
