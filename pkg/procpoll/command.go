package procpoll

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ExitError is returned by a Runner when the command ran and exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// StdinRunner is a Runner that can also feed the command's stdin.
type StdinRunner interface {
	Runner
	RunWithStdin(ctx context.Context, stdin string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.run(ctx, nil, name, args...)
}

func (r ExecRunner) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) ([]byte, error) {
	return r.run(ctx, strings.NewReader(stdin), name, args...)
}

func (ExecRunner) run(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// pgrep exits 1 when nothing matched.
const pgrepNoMatch = 1

// CommandPoller finds live jobs with pgrep -f and resolves each pid's working
// directory with pwdx.
type CommandPoller struct {
	Runner Runner
	Logger *zap.Logger

	// PgrepPath and PwdxPath default to "pgrep" and "pwdx".
	PgrepPath string
	PwdxPath  string
}

func NewCommandPoller(logger *zap.Logger) *CommandPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandPoller{Runner: ExecRunner{}, Logger: logger}
}

func (p *CommandPoller) pgrep() string {
	if p.PgrepPath != "" {
		return p.PgrepPath
	}
	return "pgrep"
}

func (p *CommandPoller) pwdx() string {
	if p.PwdxPath != "" {
		return p.PwdxPath
	}
	return "pwdx"
}

func (p *CommandPoller) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *CommandPoller) LiveJobDirs(ctx context.Context, q Query) (JobSet, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	runner := p.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	// -f matches the full command line. Without it pgrep only sees the
	// kernel process name, which is cut to 15 characters.
	args := []string{"-u", q.User, "-f", regexp.QuoteMeta(q.JobName)}
	cmdline := p.pgrep() + " " + strings.Join(args, " ")
	out, err := runner.Run(ctx, p.pgrep(), args...)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Code == pgrepNoMatch {
			return NewJobSet(), nil
		}
		return nil, &QueryError{Cmd: cmdline, Err: err}
	}

	pids := parsePids(out)
	live := make(JobSet, len(pids))
	for _, pid := range pids {
		pwdxCmd := p.pwdx() + " " + strconv.Itoa(pid)
		out, err := runner.Run(ctx, p.pwdx(), strconv.Itoa(pid))
		if err != nil {
			if ctx.Err() != nil {
				return nil, &QueryError{Cmd: pwdxCmd, Err: ctx.Err()}
			}
			p.logger().Warn("Skipping process: cannot resolve working directory",
				zap.Int("pid", pid),
				zap.String("cmd", pwdxCmd),
				zap.Error(err))
			continue
		}
		cwd, ok := parsePwdx(out)
		if !ok {
			p.logger().Warn("Skipping process: unexpected pwdx output",
				zap.Int("pid", pid),
				zap.String("output", strings.TrimSpace(string(out))))
			continue
		}
		if name, ok := q.accept(cwd); ok {
			live[name] = struct{}{}
		}
	}
	return live, nil
}

func parsePids(out []byte) []int {
	fields := strings.Fields(string(out))
	pids := make([]int, 0, len(fields))
	for _, f := range fields {
		pid, err := strconv.Atoi(f)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// parsePwdx extracts the path from "<pid>: <path>".
func parsePwdx(out []byte) (string, bool) {
	line := strings.TrimSpace(string(out))
	_, path, ok := strings.Cut(line, ":")
	if !ok {
		return "", false
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	return path, true
}
