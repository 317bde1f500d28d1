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

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/mccebench/internal/observability"
	"github.com/3leaps/mccebench/pkg/book"
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Create and inspect the book file",
	Long: `Create and inspect the book: the ledger listing every job directory of
the run root with its status.

Status codes:
  (blank)  not submitted
  r        running
  c        completed (sentinel file present)
  e        error (exited without the sentinel file)`,
}

var bookInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a fresh book listing the job directories of the run root",
	Long: `Write a fresh book listing the job directories of the run root, every
entry unsubmitted. Directories are listed in name order; hidden directories
are skipped.

Examples:
  mccebench book init --require prot.pdb
  mccebench book init --include '1*' --exclude '*_old' --force`,
	Annotations: map[string]string{"logfile": "true"},
	RunE:        runBookInit,
}

var bookStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show book entries and completion counts",
	RunE:  runBookStatus,
}

var bookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job names having a status",
	Long: `List job names having a status, one per line, in book order.

Examples:
  mccebench book list --status c
  mccebench book list --status e`,
	RunE: runBookList,
}

func init() {
	rootCmd.AddCommand(bookCmd)
	bookCmd.AddCommand(bookInitCmd)
	bookCmd.AddCommand(bookStatusCmd)
	bookCmd.AddCommand(bookListCmd)

	bookInitCmd.Flags().String("require", "", "Glob, relative to each job dir, that must match a file (e.g. prot.pdb)")
	bookInitCmd.Flags().StringSlice("include", nil, "Only job dirs whose name matches one of these globs")
	bookInitCmd.Flags().StringSlice("exclude", nil, "Skip job dirs whose name matches one of these globs")
	bookInitCmd.Flags().Bool("force", false, "Overwrite an existing book")

	bookStatusCmd.Flags().StringP("output", "o", "table", "Output format: table, json, or yaml")

	bookListCmd.Flags().String("status", "c", "Status code to list: ' ', r, c, or e")
}

func runBookInit(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	sel := book.Selector{
		Requires: cfg.Discover.Requires,
		Includes: cfg.Discover.Include,
		Excludes: cfg.Discover.Exclude,
	}
	if cmd.Flags().Changed("require") {
		sel.Requires, _ = cmd.Flags().GetString("require")
	}
	if cmd.Flags().Changed("include") {
		sel.Includes, _ = cmd.Flags().GetStringSlice("include")
	}
	if cmd.Flags().Changed("exclude") {
		sel.Excludes, _ = cmd.Flags().GetStringSlice("exclude")
	}
	force, _ := cmd.Flags().GetBool("force")

	path := cfg.Batch().BookPath()
	if !force {
		if _, err := os.Stat(path); err == nil {
			return exitError(foundry.ExitInvalidArgument, "Book already exists (use --force to overwrite)", fmt.Errorf("%s exists", path))
		}
	}

	names, err := book.Discover(cfg.RunRoot, sel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Run root not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Failed to discover job directories", err)
	}
	if len(names) == 0 {
		observability.CLILogger.Warn("No job directories matched", zap.String("run_root", cfg.RunRoot))
	}

	if err := book.Save(path, book.NewBook(names)); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write book", err)
	}
	observability.CLILogger.Info("Wrote fresh book", zap.String("book", path), zap.Int("entries", len(names)))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d entries to %s\n", len(names), path)
	return nil
}

type bookStatusView struct {
	Book         string          `json:"book" yaml:"book"`
	Counts       book.Counts     `json:"counts" yaml:"counts"`
	PctCompleted float64         `json:"pct_completed" yaml:"pct_completed"`
	Entries      []bookEntryView `json:"entries" yaml:"entries"`
}

type bookEntryView struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"`
	Label  string `json:"label" yaml:"label"`
}

func loadBookForCmd(cmd *cobra.Command) (string, book.Book, error) {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return "", nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	path := cfg.Batch().BookPath()
	b, err := book.Load(path)
	if err != nil {
		if errors.Is(err, book.ErrNotFound) {
			return "", nil, exitError(foundry.ExitFileNotFound, "Book not found", err)
		}
		return "", nil, exitError(foundry.ExitFileReadError, "Failed to read book", err)
	}
	return path, b, nil
}

func runBookStatus(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "table", "json", "yaml":
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value", fmt.Errorf("output must be one of: table, json, yaml"))
	}

	path, b, err := loadBookForCmd(cmd)
	if err != nil {
		return err
	}

	counts := b.Counts()
	view := bookStatusView{
		Book:         path,
		Counts:       counts,
		PctCompleted: 100 * counts.PctCompleted(),
		Entries:      make([]bookEntryView, 0, len(b)),
	}
	for _, e := range b {
		view.Entries = append(view.Entries, bookEntryView{Name: e.Name, Status: e.Status.String(), Label: e.Status.Label()})
	}
	return writeBookStatus(cmd.OutOrStdout(), format, view)
}

func writeBookStatus(out io.Writer, format string, view bookStatusView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATUS")
	for _, e := range view.Entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", e.Name, e.Label)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	c := view.Counts
	_, _ = fmt.Fprintf(out, "\ntotal=%d unsubmitted=%d running=%d completed=%d errored=%d (%.1f%% completed)\n",
		c.Total, c.Unsubmitted, c.Running, c.Completed, c.Errored, view.PctCompleted)
	return nil
}

func runBookList(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("status")
	status, err := book.ParseStatus(raw)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
	}

	_, b, err := loadBookForCmd(cmd)
	if err != nil {
		return err
	}
	for _, name := range b.WithStatus(status) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}
