package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ensequil/ensequil/abfe/queue"
	"github.com/ensequil/ensequil/abfe/runtree"
	"github.com/ensequil/ensequil/abfe/trace"
)

// newScheduler builds the batch scheduler client; tests replace it.
var newScheduler = func(cfg SchedulerConfig) queue.Scheduler {
	return queue.NewSlurmClient(queue.SlurmConfig{
		User:      cfg.User,
		RateLimit: cfg.RateLimit,
		Burst:     cfg.Burst,
	}, queue.ExecRunner)
}

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "ensequil",
	Short:         "Adaptive absolute binding free energy calculations on a batch scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(viper.GetString("log"))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", viper.GetString("log"), err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Error(err)
		stop()
		os.Exit(1)
	}
}

// bindFlags exposes the persistent flags as ENSEQUIL_* environment variables.
func bindFlags(cmd *cobra.Command) {
	viper.SetEnvPrefix("ENSEQUIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		logrus.Fatalf("binding flags: %v", err)
	}
}

// session is the calculation opened by a command together with its settings.
type session struct {
	cfg   Config
	calc  *runtree.Calculation
	trace *trace.Recorder
}

// loadConfig reads --config, or ensequil.yaml in the calculation dir.
func loadConfig() (Config, error) {
	path := viper.GetString("config")
	if path != "" {
		return LoadConfig(path, true)
	}
	return LoadConfig(filepath.Join(viper.GetString("dir"), DefaultConfigFile), false)
}

// openCalculation creates or reloads the calculation in --dir.
func openCalculation() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	level, err := logrus.ParseLevel(viper.GetString("log"))
	if err != nil {
		return nil, err
	}
	rec := trace.NewRecorder(cfg.Trace)
	env := runtree.Env{
		Scheduler:       newScheduler(cfg.Scheduler),
		QueueCapacity:   cfg.Scheduler.QueueCapacity,
		Trace:           rec,
		StreamLevel:     level,
		Stream:          os.Stderr,
		CommandTemplate: cfg.Scheduler.CommandTemplate,
	}
	calc, err := runtree.NewCalculation(viper.GetString("dir"), cfg.CalculationConfig(), env)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, calc: calc, trace: rec}, nil
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().String("dir", ".", "Calculation base directory")
	rootCmd.PersistentFlags().String("config", "", "Config file (default <dir>/"+DefaultConfigFile+")")
	rootCmd.PersistentFlags().String("log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	bindFlags(rootCmd)

	rootCmd.AddCommand(runCmd, killCmd, analyseCmd, convergenceCmd, equilibrationCmd, optimiseLambdaCmd, queueCmd)
}
