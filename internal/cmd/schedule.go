package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/mccebench/internal/config"
	"github.com/3leaps/mccebench/internal/observability"
	"github.com/3leaps/mccebench/pkg/schedule"
)

// newCrontab is swapped in tests.
var newCrontab = schedule.NewCrontab

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage the crontab entry that runs a pass periodically",
	Long: `Manage the crontab entry that runs "mccebench batch" every --interval.

Each run root and job name gets one tagged line; other crontab lines are
left alone. Pass output goes to <run-root>/cron_<job>.log, errors to
<run-root>/err.log.`,
}

var scheduleInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install or replace the crontab entry",
	Example: `  mccebench schedule install
  mccebench schedule install --interval 5m -n 20`,
	RunE: runScheduleInstall,
}

var schedulePrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the crontab line without installing it",
	RunE:  runSchedulePrint,
}

var scheduleClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the crontab entry for the job",
	RunE:  runScheduleClear,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleInstallCmd)
	scheduleCmd.AddCommand(schedulePrintCmd)
	scheduleCmd.AddCommand(scheduleClearCmd)

	for _, c := range []*cobra.Command{scheduleInstallCmd, schedulePrintCmd} {
		c.Flags().Duration("interval", time.Minute, "Time between passes (whole minutes)")
		c.Flags().Bool("keep-path", true, "Export the current PATH in the crontab line")
	}
}

// scheduleEntry builds the crontab entry re-running this binary with the
// effective settings made explicit.
func scheduleEntry(cmd *cobra.Command, cfg *config.Config) (schedule.Entry, error) {
	exe, err := os.Executable()
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	root, err := filepath.Abs(cfg.RunRoot)
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("resolve run root: %w", err)
	}

	args := []string{
		"batch",
		"--run-root", root,
		"--job-name", cfg.JobName,
		"--n-active", strconv.Itoa(cfg.NActive),
		"--sentinel-file", cfg.SentinelFile,
		"--book", cfg.Book,
		"--user", cfg.User,
		"--poller", cfg.Poller,
	}
	if cfg.ScopeToRoot {
		args = append(args, "--scope-to-root")
	}
	if !cfg.History.Enabled {
		args = append(args, "--no-history")
	}
	if cfg.ConfigFile != "" {
		if abs, err := filepath.Abs(cfg.ConfigFile); err == nil {
			args = append(args, "--config", abs)
		}
	}

	e := schedule.Entry{
		RunRoot:    root,
		JobName:    cfg.JobName,
		Interval:   cfg.Interval,
		Executable: exe,
		Args:       args,
		LogPath:    filepath.Join(root, "cron_"+cfg.JobName+".log"),
		ErrPath:    filepath.Join(root, "err.log"),
	}
	if keep, _ := cmd.Flags().GetBool("keep-path"); keep {
		e.PathEnv = os.Getenv("PATH")
	}
	return e, nil
}

func runScheduleInstall(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	entry, err := scheduleEntry(cmd, cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build crontab entry", err)
	}
	if _, err := entry.Line(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --interval value", err)
	}

	line, err := newCrontab().Install(cmd.Context(), entry)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to install crontab entry", err)
	}
	observability.CLILogger.Info("Installed crontab entry",
		zap.String("job", cfg.JobName),
		zap.String("run_root", entry.RunRoot),
		zap.Duration("interval", cfg.Interval))
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}

func runSchedulePrint(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	entry, err := scheduleEntry(cmd, cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build crontab entry", err)
	}
	line, err := entry.Line()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --interval value", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)

	installed, found, err := newCrontab().Find(cmd.Context(), entry.RunRoot, cfg.JobName)
	if err != nil {
		observability.CLILogger.Debug("Cannot read crontab", zap.Error(err))
		return nil
	}
	if found && installed != line {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "installed entry differs:\n%s\n", installed)
	}
	return nil
}

func runScheduleClear(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	root, err := filepath.Abs(cfg.RunRoot)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve run root", err)
	}
	removed, err := newCrontab().Clear(cmd.Context(), root, cfg.JobName)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to update crontab", err)
	}
	if !removed {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No crontab entry for %s in %s\n", cfg.JobName, root)
		return nil
	}
	observability.CLILogger.Info("Removed crontab entry", zap.String("job", cfg.JobName), zap.String("run_root", root))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed crontab entry for %s\n", cfg.JobName)
	return nil
}
