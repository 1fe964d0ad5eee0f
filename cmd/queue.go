package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ensequil/ensequil/abfe/queue"
	"github.com/ensequil/ensequil/abfe/runtree"
)

var (
	watchInterval time.Duration // poll period of queue watch
	metricsAddr   string        // listen address of /metrics, empty disables
)

// queueCmd groups the virtual queue subcommands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the per-leg virtual queues",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show admitted and pending jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		printQueues(cmd.OutOrStdout(), runtree.Queues(s.calc), true)
		return nil
	},
}

var queueUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Retire finished jobs and admit pending ones once",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		queues := runtree.Queues(s.calc)
		var errs []error
		for _, q := range queues {
			if err := q.Update(cmd.Context()); err != nil {
				errs = append(errs, err)
			}
		}
		printQueues(cmd.OutOrStdout(), queues, false)
		return errors.Join(errs...)
	},
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the queues moving until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openCalculation()
		if err != nil {
			return err
		}
		g, ctx := errgroup.WithContext(cmd.Context())
		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: metricsHandler(), ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				logrus.Infof("serving metrics on %s/metrics", metricsAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}
		for _, q := range runtree.Queues(s.calc) {
			g.Go(func() error {
				err := q.Watch(ctx, watchInterval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		}
		return g.Wait()
	},
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func printQueues(w io.Writer, queues []*queue.VirtualQueue, jobs bool) {
	for _, q := range queues {
		admitted, pending := q.Admitted(), q.Pending()
		_, _ = fmt.Fprintf(w, "%s: %d admitted, %d pending, capacity %d\n", q.Name(), len(admitted), len(pending), q.Capacity())
		if !jobs {
			continue
		}
		for _, j := range admitted {
			_, _ = fmt.Fprintf(w, "  %s\n", j)
		}
		for _, j := range pending {
			_, _ = fmt.Fprintf(w, "  %s (pending)\n", j)
		}
	}
}

func init() {
	queueWatchCmd.Flags().DurationVar(&watchInterval, "interval", queue.DefaultWatchInterval, "Poll interval")
	queueWatchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	queueCmd.AddCommand(queueStatusCmd, queueUpdateCmd, queueWatchCmd)
}
