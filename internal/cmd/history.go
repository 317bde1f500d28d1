package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/mccebench/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded passes",
	Long: `List passes recorded in the pass journal (<run-root>/.mccebench/history.db),
newest first.

Examples:
  mccebench history
  mccebench history --limit 5 -o json`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "Show the last N passes (0 = all)")
	historyCmd.Flags().StringP("output", "o", "table", "Output format: table, json, or yaml")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "table", "json", "yaml":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("output must be one of: table, json, yaml"))
	}

	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	path := cfg.HistoryPath()
	if path == "" {
		return exitError(foundry.ExitInvalidArgument, "Pass journal disabled", errors.New("history.enabled is false"))
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return exitError(foundry.ExitFileNotFound, "No pass journal yet", err)
	}

	store, err := history.Open(ctx, history.Config{Path: path})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open pass journal", err)
	}
	defer func() { _ = store.Close() }()

	passes, err := store.ListPasses(ctx, limit)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read pass journal", err)
	}
	return writePasses(cmd.OutOrStdout(), format, passes)
}

func writePasses(out io.Writer, format string, passes []history.Pass) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(passes)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(passes); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(passes) == 0 {
		_, _ = fmt.Fprintln(out, "No passes recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "PASS\tSTARTED\tJOB\tLIVE\tLAUNCHED\tCOMPLETED\tERRORED\tFAILED\tTOTAL")
	for _, p := range passes {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			shortPassID(p.PassID),
			p.StartedAt.Local().Format(time.DateTime),
			p.JobName,
			p.Live, p.Launched, p.Completed, p.Errored, p.LaunchFailures, p.Total)
	}
	return nil
}

func shortPassID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
