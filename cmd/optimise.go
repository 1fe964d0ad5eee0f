package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	deltaSEM        float64 // integrated SEM per window
	optimiseRuntime float64 // ns per window for the short runs
)

// optimiseLambdaCmd re-spaces the λ windows of both legs from short runs
var optimiseLambdaCmd = &cobra.Command{
	Use:   "optimise-lambda",
	Short: "Choose λ windows so each contributes the same integrated SEM",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		interval := s.cfg.Run.PollInterval
		g, ctx := errgroup.WithContext(cmd.Context())
		for _, leg := range s.calc.Legs() {
			g.Go(func() error {
				logrus.Infof("optimising lambda values of the %s leg", leg.Type())
				return leg.OptimiseLambdaValues(ctx, deltaSEM, optimiseRuntime, interval)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, leg := range s.calc.Legs() {
			for _, stage := range leg.Stages() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s\n", leg.Type(), stage.Type(), formatFloats(stage.LambdaValues()))
			}
		}
		printTraceSummary(cmd.OutOrStdout(), s.trace)
		return nil
	},
}

func init() {
	optimiseLambdaCmd.Flags().Float64Var(&deltaSEM, "delta", 0.1, "Integrated SEM per window (kcal mol-1)")
	optimiseLambdaCmd.Flags().Float64Var(&optimiseRuntime, "runtime", 0.1, "Simulation time per window for the short runs (ns)")
}
