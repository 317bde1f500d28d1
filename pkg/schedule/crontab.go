// Package schedule installs the crontab entry that re-runs one batch pass
// per interval.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/mccebench/pkg/procpoll"
)

// markerPrefix tags the lines this package owns in the user's crontab.
const markerPrefix = "# mccebench:"

// Entry describes the periodic `mccebench batch` invocation for one job.
type Entry struct {
	// RunRoot and JobName key the entry; installing again for the same
	// pair replaces it.
	RunRoot string
	JobName string

	// Interval between passes; whole minutes, at least one.
	Interval time.Duration

	// Executable and Args form the command line run by cron.
	Executable string
	Args       []string

	// LogPath receives stdout and ErrPath stderr of each pass.
	LogPath string
	ErrPath string

	// PathEnv, when set, is exported as PATH for the command.
	PathEnv string
}

func (e Entry) marker() string {
	return marker(e.RunRoot, e.JobName)
}

// marker tags the line owned by one run root and job. '%' is escaped the
// way Line escapes the command, so the rendered line ends with it verbatim.
func marker(runRoot, jobName string) string {
	return strings.ReplaceAll(markerPrefix+runRoot+":"+jobName, "%", `\%`)
}

func (e Entry) schedule() (string, error) {
	if e.Interval < time.Minute || e.Interval%time.Minute != 0 {
		return "", fmt.Errorf("interval must be a whole number of minutes >= 1, got %s", e.Interval)
	}
	minutes := int(e.Interval / time.Minute)
	switch {
	case minutes == 1:
		return "* * * * *", nil
	case minutes < 60:
		return "*/" + strconv.Itoa(minutes) + " * * * *", nil
	case minutes%60 == 0 && minutes/60 < 24:
		return "0 */" + strconv.Itoa(minutes/60) + " * * *", nil
	}
	return "", fmt.Errorf("interval %s cannot be expressed as a crontab schedule", e.Interval)
}

// Line renders the crontab line, including the trailing marker comment.
func (e Entry) Line() (string, error) {
	if strings.TrimSpace(e.RunRoot) == "" {
		return "", errors.New("run root is required")
	}
	if strings.TrimSpace(e.JobName) == "" {
		return "", errors.New("job name is required")
	}
	if strings.TrimSpace(e.Executable) == "" {
		return "", errors.New("executable is required")
	}
	sched, err := e.schedule()
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(e.Args)+1)
	parts = append(parts, shellQuote(e.Executable))
	for _, a := range e.Args {
		parts = append(parts, shellQuote(a))
	}
	command := strings.Join(parts, " ")
	if e.PathEnv != "" {
		command = "PATH=" + shellQuote(e.PathEnv) + " " + command
	}
	if e.LogPath != "" {
		command += " > " + shellQuote(e.LogPath)
	}
	if e.ErrPath != "" {
		command += " 2> " + shellQuote(e.ErrPath)
	}
	// '%' is a newline in crontab commands.
	command = strings.ReplaceAll(command, "%", `\%`)

	return sched + " " + command + " " + e.marker(), nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}~#!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Crontab reads and writes the invoking user's crontab through the
// crontab(1) command.
type Crontab struct {
	Runner procpoll.StdinRunner
	// Path defaults to "crontab".
	Path string
}

func NewCrontab() *Crontab {
	return &Crontab{Runner: procpoll.ExecRunner{}}
}

func (c *Crontab) bin() string {
	if c.Path != "" {
		return c.Path
	}
	return "crontab"
}

func (c *Crontab) runner() procpoll.StdinRunner {
	if c.Runner == nil {
		return procpoll.ExecRunner{}
	}
	return c.Runner
}

// Current returns the installed crontab; a user without one gets "".
func (c *Crontab) Current(ctx context.Context) (string, error) {
	out, err := c.runner().Run(ctx, c.bin(), "-l")
	if err != nil {
		var exitErr *procpoll.ExitError
		if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(exitErr.Stderr), "no crontab") {
			return "", nil
		}
		return "", fmt.Errorf("read crontab: %w", err)
	}
	return string(out), nil
}

// Install adds e to the crontab, replacing any previous line for the same
// run root and job. Other lines are kept as they are.
func (c *Crontab) Install(ctx context.Context, e Entry) (string, error) {
	line, err := e.Line()
	if err != nil {
		return "", err
	}
	current, err := c.Current(ctx)
	if err != nil {
		return "", err
	}
	next := append(withoutMarker(current, e.marker()), line)
	if err := c.write(ctx, next); err != nil {
		return "", err
	}
	return line, nil
}

// Clear deletes the line installed for runRoot and jobName and reports
// whether one was found.
func (c *Crontab) Clear(ctx context.Context, runRoot, jobName string) (bool, error) {
	current, err := c.Current(ctx)
	if err != nil {
		return false, err
	}
	kept := withoutMarker(current, marker(runRoot, jobName))
	if len(kept) == len(nonEmptyLines(current)) {
		return false, nil
	}
	if err := c.write(ctx, kept); err != nil {
		return false, err
	}
	return true, nil
}

// Find returns the installed line for runRoot and jobName, if any.
func (c *Crontab) Find(ctx context.Context, runRoot, jobName string) (string, bool, error) {
	current, err := c.Current(ctx)
	if err != nil {
		return "", false, err
	}
	for _, l := range nonEmptyLines(current) {
		if hasMarker(l, marker(runRoot, jobName)) {
			return l, true, nil
		}
	}
	return "", false, nil
}

func (c *Crontab) write(ctx context.Context, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if _, err := c.runner().RunWithStdin(ctx, content, c.bin(), "-"); err != nil {
		return fmt.Errorf("write crontab: %w", err)
	}
	return nil
}

func nonEmptyLines(s string) []string {
	out := make([]string, 0)
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func hasMarker(line, marker string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), marker)
}

func withoutMarker(content, marker string) []string {
	out := make([]string, 0)
	for _, l := range nonEmptyLines(content) {
		if hasMarker(l, marker) {
			continue
		}
		out = append(out, l)
	}
	return out
}
