package launcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// LogFileName is the per-job stdout capture inside the job directory.
const LogFileName = "run.log"

var (
	// ErrNotFound indicates the job directory or script does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLaunch indicates the job process could not be started.
	ErrLaunch = errors.New("launch failed")
)

// LaunchError wraps a failed launch with the job it was for.
type LaunchError struct {
	JobDir string
	Script string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s in %s: %v", e.Script, e.JobDir, e.Err)
}

func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunch, e.Err}
}

// Launcher starts one job and returns without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, jobDir, script string) error
}

// Detached starts each job as a session leader, stdout and stderr going to
// <jobDir>/run.log, so it keeps running after the controller exits.
type Detached struct{}

// Launch starts script with jobDir as working directory. script is
// resolved relative to jobDir (normally "../<job>.sh").
func (*Detached) Launch(ctx context.Context, jobDir, script string) error {
	jobDir = strings.TrimSpace(jobDir)
	script = strings.TrimSpace(script)
	if jobDir == "" || script == "" {
		return &LaunchError{JobDir: jobDir, Script: script, Err: fmt.Errorf("job dir and script are required")}
	}
	if err := ctx.Err(); err != nil {
		return &LaunchError{JobDir: jobDir, Script: script, Err: err}
	}

	st, err := os.Stat(jobDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LaunchError{JobDir: jobDir, Script: script, Err: fmt.Errorf("%w: job dir %s", ErrNotFound, jobDir)}
		}
		return &LaunchError{JobDir: jobDir, Script: script, Err: err}
	}
	if !st.IsDir() {
		return &LaunchError{JobDir: jobDir, Script: script, Err: fmt.Errorf("not a directory: %s", jobDir)}
	}

	scriptPath := script
	if !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(jobDir, script)
	}
	if _, err := os.Stat(scriptPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &LaunchError{JobDir: jobDir, Script: script, Err: fmt.Errorf("%w: script %s", ErrNotFound, scriptPath)}
		}
		return &LaunchError{JobDir: jobDir, Script: script, Err: err}
	}

	logFile, err := os.Create(filepath.Join(jobDir, LogFileName))
	if err != nil {
		return &LaunchError{JobDir: jobDir, Script: script, Err: fmt.Errorf("create run log: %w", err)}
	}
	defer func() { _ = logFile.Close() }()

	// The script keeps its relative name so process listings show
	// "../<job>.sh", which is what the poller matches on.
	name := script
	if !filepath.IsAbs(script) && !strings.Contains(script, string(filepath.Separator)) {
		name = "." + string(filepath.Separator) + script
	}
	cmd := exec.Command(name)
	cmd.Dir = jobDir
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return &LaunchError{JobDir: jobDir, Script: script, Err: err}
	}

	// Completion is discovered by polling. The Wait only reaps the child if
	// this process is still around (watch mode), so no zombie lingers in
	// the process table looking like a live job.
	go func() { _ = cmd.Wait() }()
	return nil
}
