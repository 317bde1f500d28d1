package procpoll

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
)

// ProcfsPoller reads /proc directly instead of shelling out to pgrep/pwdx.
// Linux only.
type ProcfsPoller struct {
	MountPoint string
	Logger     *zap.Logger
}

func NewProcfsPoller(logger *zap.Logger) *ProcfsPoller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcfsPoller{MountPoint: procfs.DefaultMountPoint, Logger: logger}
}

func (p *ProcfsPoller) LiveJobDirs(ctx context.Context, q Query) (JobSet, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	mount := p.MountPoint
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	uid, err := lookupUID(q.User)
	if err != nil {
		return nil, &QueryError{Cmd: "lookup user " + q.User, Err: err}
	}

	pfs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, &QueryError{Cmd: "open " + mount, Err: err}
	}
	procs, err := pfs.AllProcs()
	if err != nil {
		return nil, &QueryError{Cmd: "list " + mount, Err: err}
	}

	live := make(JobSet)
	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return nil, &QueryError{Cmd: "list " + mount, Err: err}
		}
		owner, err := procOwner(mount, proc.PID)
		if err != nil || owner != uid {
			continue
		}
		args, err := proc.CmdLine()
		if err != nil || !cmdlineMatches(args, q.JobName) {
			continue
		}
		cwd, err := proc.Cwd()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Skipping process: cannot resolve working directory",
					zap.Int("pid", proc.PID),
					zap.Error(err))
			}
			continue
		}
		if name, ok := q.accept(cwd); ok {
			live[name] = struct{}{}
		}
	}
	return live, nil
}

func cmdlineMatches(args []string, pattern string) bool {
	return strings.Contains(strings.Join(args, " "), pattern)
}

func procOwner(mount string, pid int) (uint32, error) {
	st, err := os.Stat(filepath.Join(mount, strconv.Itoa(pid)))
	if err != nil {
		return 0, err
	}
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no owner information for pid %d", pid)
	}
	return sys.Uid, nil
}

func lookupUID(name string) (uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	return uint32(id), nil
}
