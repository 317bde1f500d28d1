package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/mccebench/internal/config"
	"github.com/3leaps/mccebench/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	runtimeCfg  *config.Config

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "mccebench",
	Short: "Throttled batch submission of MCCE benchmark jobs",
	Long: `mccebench keeps a fixed number of MCCE jobs running across the job
directories of a run root.

Each job directory is listed in a book file together with its status
(blank = not submitted, r = running, c = completed, e = error). One
"batch" pass reconciles the book against the process table, marks jobs
that finished, and starts new ones up to the concurrency cap. Run it
periodically from cron ("schedule install") or in the foreground ("watch").

Examples:
  mccebench book init --require prot.pdb
  mccebench batch -n 10
  mccebench schedule install --interval 5m
  mccebench book status`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

// configKeys maps persistent flag names to config keys.
var configKeys = map[string]string{
	"run-root":      "run_root",
	"book":          "book",
	"job-name":      "job_name",
	"n-active":      "n_active",
	"sentinel-file": "sentinel_file",
	"user":          "user",
	"poller":        "poller",
	"scope-to-root": "scope_to_root",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
	"log-file":      "logging.file",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default <run-root>/mccebench.yaml)")
	pf.StringP("run-root", "r", "", "Directory holding the job directories, the job script and the book")
	pf.String("book", "", "Book file name inside the run root (default book.txt)")
	pf.StringP("job-name", "j", "", "Job name; the script is <run-root>/<job-name>.sh (default default_run)")
	pf.IntP("n-active", "n", 0, "Maximum number of concurrently running jobs (default 10)")
	pf.String("sentinel-file", "", "File whose presence marks a finished job as completed (default pK.out)")
	pf.String("user", "", "Owner of the job processes (default current user)")
	pf.String("poller", "", "Process table backend: pgrep or procfs (default pgrep)")
	pf.Bool("scope-to-root", false, "Only count processes whose working directory is inside the run root")
	pf.Bool("no-history", false, "Do not journal passes")
	pf.String("log-level", "", "Log level: debug, info, warn, error (default info)")
	pf.String("log-format", "", "Console log format: console or json")
	pf.String("log-file", "", "Log file, relative to the run root; '-' disables (default benchmark.log)")
}

// Execute runs the root command and exits with the mapped exit code on
// failure.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		ExitWithCode(observability.CLILogger, exitCodeOf(err), "mccebench failed", err)
	}
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Context(), collectOverrides(cmd.Flags()))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	id := config.DefaultIdentity
	appIdentity = &id
	runtimeCfg = cfg

	logFile := ""
	if logsToFile(cmd) {
		logFile = cfg.LogFilePath()
	}
	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   logFile,
	}
	err = observability.InitCLILogger(logCfg)
	if logFile != "" && errors.Is(err, fs.ErrNotExist) {
		// Missing run root: log to stderr and let the command report it.
		logCfg.File = ""
		if err = observability.InitCLILogger(logCfg); err == nil {
			observability.CLILogger.Warn("Log file directory missing; logging to stderr only",
				zap.String("log_file", logFile))
		}
	}
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Loaded configuration",
		zap.String("run_root", cfg.RunRoot),
		zap.String("config_file", cfg.ConfigFile),
		zap.String("job", cfg.JobName),
		zap.Int("n_active", cfg.NActive))
	return nil
}

// logsToFile is true for commands that act on the run root. Read-only
// commands keep benchmark.log free of their noise.
func logsToFile(cmd *cobra.Command) bool {
	return cmd.Annotations["logfile"] == "true"
}

func collectOverrides(fs *pflag.FlagSet) map[string]any {
	out := map[string]any{}
	if cfgFile != "" {
		out["config_file"] = cfgFile
	}
	fs.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		switch f.Name {
		case "no-history":
			if v, err := fs.GetBool("no-history"); err == nil && v {
				setPath(out, "history.enabled", false)
			}
			return
		case "interval":
			if v, err := fs.GetDuration("interval"); err == nil {
				out["interval"] = v.String()
			}
			return
		}
		key, ok := configKeys[f.Name]
		if !ok {
			return
		}
		switch f.Value.Type() {
		case "int":
			v, _ := fs.GetInt(f.Name)
			setPath(out, key, v)
		case "bool":
			v, _ := fs.GetBool(f.Name)
			setPath(out, key, v)
		default:
			setPath(out, key, f.Value.String())
		}
	})
	return out
}

// setPath stores v under a dotted key as nested maps.
func setPath(m map[string]any, key string, v any) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			child, ok := m[key[:i]].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[key[:i]] = child
			}
			setPath(child, key[i+1:], v)
			return
		}
	}
	m[key] = v
}

// currentConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if runtimeCfg != nil {
		return runtimeCfg, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return config.Load(ctx)
}

type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

func exitCodeOf(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	if errors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	return foundry.ExitInvalidArgument
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(code)
}
