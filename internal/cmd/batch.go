package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/mccebench/internal/config"
	"github.com/3leaps/mccebench/internal/observability"
	"github.com/3leaps/mccebench/pkg/batch"
	"github.com/3leaps/mccebench/pkg/history"
	"github.com/3leaps/mccebench/pkg/launcher"
	"github.com/3leaps/mccebench/pkg/output"
	"github.com/3leaps/mccebench/pkg/procpoll"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one pass: mark finished jobs and launch new ones up to the cap",
	Long: `Run one pass over the book.

Running entries whose job no longer appears in the process table become
"c" when the sentinel file (pK.out) exists in the job directory, "e"
otherwise. Unsubmitted entries are launched in book order while fewer than
--n-active jobs are running. The book is rewritten once at the end.

The pass exits without touching the book when the job script is missing,
the book does not exist, or the process table cannot be queried.

Examples:
  mccebench batch
  mccebench batch -r /data/bench/RUNS -n 20 -j mcce_run`,
	Annotations: map[string]string{"logfile": "true"},
	RunE:        runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().String("emit", "summary", "Pass output on stdout: summary or jsonl")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	emit, err := reportEmitter(cmd, cfg.JobName)
	if err != nil {
		return err
	}

	ctrl, cleanup, err := newController(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := ctrl.Run(ctx)
	if err != nil {
		return passError(err)
	}
	emit(ctx, report)
	return nil
}

// reportEmitter returns the --emit renderer for finished passes.
func reportEmitter(cmd *cobra.Command, jobName string) (func(context.Context, *batch.Report), error) {
	mode, _ := cmd.Flags().GetString("emit")
	out := cmd.OutOrStdout()
	switch mode {
	case "", "summary":
		return func(_ context.Context, r *batch.Report) { writeReportSummary(out, r) }, nil
	case "jsonl":
		w := output.NewJSONLWriter(out, jobName)
		return func(ctx context.Context, r *batch.Report) {
			if err := output.EmitReport(ctx, w, r); err != nil {
				observability.CLILogger.Warn("Failed to write pass records", zap.Error(err))
			}
		}, nil
	}
	return nil, exitError(foundry.ExitInvalidArgument, "Invalid --emit value", fmt.Errorf("emit must be one of: summary, jsonl"))
}

// Swapped in tests.
var (
	newPoller   = defaultPoller
	newLauncher = func() launcher.Launcher { return &launcher.Detached{} }
)

func defaultPoller(cfg *config.Config, logger *zap.Logger) procpoll.Poller {
	if cfg.Poller == config.PollerProcfs {
		p := procpoll.NewProcfsPoller(logger)
		if cfg.ProcMount != "" {
			p.MountPoint = cfg.ProcMount
		}
		return p
	}
	return procpoll.NewCommandPoller(logger)
}

// newController wires the configured poller, the detached launcher and,
// when enabled, the pass journal. The journal is optional: failing to
// open it is logged and the pass runs without it.
func newController(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*batch.Controller, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleanup := func() {}

	opts := []batch.Option{batch.WithLogger(logger)}
	if path := cfg.HistoryPath(); path != "" {
		store, err := history.Open(ctx, history.Config{Path: path})
		if err != nil {
			logger.Warn("Pass journal unavailable; continuing without it",
				zap.String("path", path), zap.Error(err))
		} else {
			opts = append(opts, batch.WithRecorder(store))
			cleanup = func() { _ = store.Close() }
		}
	}

	ctrl, err := batch.New(cfg.Batch(), newPoller(cfg, logger), newLauncher(), opts...)
	if err != nil {
		cleanup()
		return nil, func() {}, exitError(foundry.ExitInvalidArgument, "Invalid batch configuration", err)
	}
	return ctrl, cleanup, nil
}

// passError maps a failed pass to the CLI exit code.
func passError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitError(foundry.ExitSignalInt, "Pass cancelled", err)
	case batch.IsMissingScript(err):
		return exitError(foundry.ExitFileNotFound, "Job script not found", err)
	case batch.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, "Book not found", err)
	case batch.IsProcessQuery(err):
		return exitError(foundry.ExitExternalServiceUnavailable, "Process table query failed", err)
	case errors.Is(err, batch.ErrSaveBook):
		return exitError(foundry.ExitFileWriteError, "Failed to write book", err)
	case errors.Is(err, batch.ErrInvalidConfig):
		return exitError(foundry.ExitInvalidArgument, "Invalid batch configuration", err)
	}
	return exitError(foundry.ExitFileReadError, "Pass failed", err)
}

func writeReportSummary(w io.Writer, r *batch.Report) {
	c := r.Counts
	_, _ = fmt.Fprintf(w, "pass %s: launched=%d completed=%d errored=%d launch_failures=%d | running=%d unsubmitted=%d total=%d (%.1f%% completed)\n",
		r.PassID, len(r.Launched), len(r.Completed), len(r.Errored), len(r.LaunchFailures),
		c.Running, c.Unsubmitted, c.Total, 100*c.PctCompleted())
}
