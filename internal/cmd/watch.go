package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/mccebench/internal/observability"
	"github.com/3leaps/mccebench/pkg/batch"
)

var (
	watchUntilDone bool
	watchMaxPasses int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a pass every --interval in the foreground",
	Long: `Run batch passes in the foreground, one per interval, as an alternative
to a crontab entry.

A pass that cannot query the process table is logged and retried on the
next tick. A missing job script or book stops the loop.

Examples:
  mccebench watch --interval 2m
  mccebench watch --until-done`,
	Annotations: map[string]string{"logfile": "true"},
	RunE:        runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("interval", time.Minute, "Time between passes")
	watchCmd.Flags().BoolVar(&watchUntilDone, "until-done", false, "Stop once every entry is completed or errored")
	watchCmd.Flags().IntVar(&watchMaxPasses, "max-passes", 0, "Stop after this many passes (0 = no limit)")
	watchCmd.Flags().String("emit", "", "Pass output on stdout: summary or jsonl (default none)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if watchMaxPasses < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-passes value", errors.New("max-passes must be >= 0"))
	}

	opts := watchOptions{untilDone: watchUntilDone, maxPasses: watchMaxPasses}
	if cmd.Flags().Changed("emit") {
		if opts.onPass, err = reportEmitter(cmd, cfg.JobName); err != nil {
			return err
		}
	}

	logger := observability.CLILogger
	ctrl, cleanup, err := newController(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("Watching run root",
		zap.String("run_root", cfg.RunRoot),
		zap.Duration("interval", cfg.Interval),
		zap.Int("n_active", cfg.NActive))

	return watchLoop(ctx, ctrl, cfg.Interval, opts, logger)
}

type watchOptions struct {
	untilDone bool
	maxPasses int
	onPass    func(context.Context, *batch.Report)
}

type passRunner interface {
	Run(ctx context.Context) (*batch.Report, error)
}

func watchLoop(ctx context.Context, ctrl passRunner, interval time.Duration, opts watchOptions, logger *zap.Logger) error {
	// Burst 1: the first pass runs immediately.
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for passes := 0; opts.maxPasses == 0 || passes < opts.maxPasses; passes++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				logger.Info("Watch stopped", zap.Int("passes", passes))
				return exitError(foundry.ExitSignalInt, "watch cancelled", ctx.Err())
			}
			// Next tick falls after the context deadline.
			logger.Info("Watch stopped", zap.Int("passes", passes), zap.Error(err))
			return nil
		}

		report, err := ctrl.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "watch cancelled", ctx.Err())
			}
			if batch.IsProcessQuery(err) {
				logger.Warn("Pass skipped; retrying next interval", zap.Error(err))
				continue
			}
			return passError(err)
		}
		if opts.onPass != nil {
			opts.onPass(ctx, report)
		}

		if opts.untilDone && report.Counts.Unsubmitted == 0 && report.Counts.Running == 0 {
			logger.Info("All jobs finished",
				zap.Int("completed", report.Counts.Completed),
				zap.Int("errored", report.Counts.Errored))
			return nil
		}
	}
	return nil
}
