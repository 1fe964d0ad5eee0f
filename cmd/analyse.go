package cmd

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/ensequil/ensequil/abfe/estimate"
	"github.com/ensequil/ensequil/abfe/runtree"
)

// LowOverlap flags neighbouring windows that share too little phase space
// for a reliable MBAR estimate.
const LowOverlap = 0.03

// analyseCmd writes overall_stats.dat and prints it
var analyseCmd = &cobra.Command{
	Use:   "analyse",
	Short: "Compute the binding free energy from equilibrated windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		summary, err := s.calc.Report(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, leg := range s.calc.Legs() {
			r, err := leg.Analyse(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s leg: %s kcal/mol\n", leg.Type(), formatFloats(r.DG))
		}
		_, _ = fmt.Fprint(out, runtree.FormatSummary(summary))
		return printOverlaps(out, s.calc)
	},
}

// printOverlaps reports the smallest neighbour overlap of every MBAR output
// found; stages without MBAR output are skipped.
func printOverlaps(w io.Writer, calc *runtree.Calculation) error {
	header := false
	for _, leg := range calc.Legs() {
		for _, stage := range leg.Stages() {
			for run := 1; run <= stage.EnsembleSize(); run++ {
				m, err := stage.OverlapMatrix(run)
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if err != nil {
					return err
				}
				if !header {
					_, _ = fmt.Fprintln(w, "Minimum off-diagonal overlap:")
					header = true
				}
				minOverlap := estimate.MinOffDiagonalOverlap(m)
				flag := ""
				if minOverlap < LowOverlap {
					flag = " (low)"
				}
				_, _ = fmt.Fprintf(w, "  %s/%s run %d: %.3f%s\n", leg.Type(), stage.Type(), run, minOverlap, flag)
			}
		}
	}
	return nil
}

// convergenceCmd prints dg against the fraction of equilibrated time used
var convergenceCmd = &cobra.Command{
	Use:   "convergence",
	Short: "Show the free energy against the fraction of equilibrated simulation time",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		conv, err := s.calc.AnalyseConvergence(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		header := []string{"fraction", "mean"}
		for r := range conv.DG {
			header = append(header, fmt.Sprintf("run_%02d", r+1))
		}
		_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
		for f, frac := range conv.Fractions {
			row := make([]float64, len(conv.DG))
			for r := range conv.DG {
				row[r] = conv.DG[r][f]
			}
			_, _ = fmt.Fprintf(tw, "%.2f\t%.3f\t%s\n", frac, nanMean(row), strings.ReplaceAll(formatFloats(row), " ", "\t"))
		}
		return tw.Flush()
	},
}

// equilibrationCmd runs detection on every window and prints the outcome
var equilibrationCmd = &cobra.Command{
	Use:   "equilibration",
	Short: "Check equilibration of every λ window",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "leg\tstage\tlambda\tequilibrated\tequil_time/ns\ttot_simtime/ns")
		for _, leg := range s.calc.Legs() {
			for _, stage := range leg.Stages() {
				for _, w := range stage.Windows() {
					res, err := w.CheckEquilibration()
					if err != nil {
						_, _ = fmt.Fprintf(tw, "%s\t%s\t%.3f\terror: %v\t\t\n", leg.Type(), stage.Type(), w.Lambda(), err)
						continue
					}
					equil := "-"
					if res.Equilibrated {
						equil = fmt.Sprintf("%.3f", *res.EquilTime)
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%.3f\t%v\t%s\t%.3f\n",
						leg.Type(), stage.Type(), w.Lambda(), res.Equilibrated, equil, w.TotSimtime())
				}
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "all equilibrated: %v\n", s.calc.Equilibrated())
		return nil
	},
}

func formatFloats(xs []float64) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%.3f", x)
	}
	return strings.Join(parts, " ")
}

// nanMean averages the non-NaN entries; NaN when there are none.
func nanMean(xs []float64) float64 {
	var kept []float64
	for _, x := range xs {
		if !math.IsNaN(x) {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		return math.NaN()
	}
	return stat.Mean(kept, nil)
}
