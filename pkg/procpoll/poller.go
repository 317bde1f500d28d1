// Package procpoll answers which job directories currently have a live
// process running the job script.
//
// The controller never keeps a handle on the jobs it starts, so the OS
// process table is the only liveness signal between invocations.
package procpoll

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrProcessQuery indicates the process table could not be queried. It is
// never returned for the plain "no matching process" case.
var ErrProcessQuery = errors.New("process query failed")

// QueryError wraps a failed OS query with the command attempted.
type QueryError struct {
	Cmd string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrProcessQuery, e.Cmd, e.Err)
}

func (e *QueryError) Unwrap() []error {
	return []error{ErrProcessQuery, e.Err}
}

// IsQueryError reports whether err is a process query failure.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrProcessQuery)
}

// Query selects the processes to consider.
type Query struct {
	// JobName is matched against the process command line (e.g. "default_run.sh").
	JobName string

	// User restricts matches to processes owned by this login name.
	User string

	// Root, when set, only counts processes whose working directory is a
	// direct child of Root. Empty keeps every match, including jobs of
	// other run roots that happen to share the script name.
	Root string
}

func (q Query) validate() error {
	if strings.TrimSpace(q.JobName) == "" {
		return fmt.Errorf("job name is required")
	}
	if strings.TrimSpace(q.User) == "" {
		return fmt.Errorf("user is required")
	}
	return nil
}

// accept returns the job dir name for a process working directory.
func (q Query) accept(cwd string) (string, bool) {
	cwd = filepath.Clean(strings.TrimSpace(cwd))
	if cwd == "." || cwd == string(filepath.Separator) {
		return "", false
	}
	if q.Root != "" && filepath.Dir(cwd) != filepath.Clean(q.Root) {
		return "", false
	}
	return filepath.Base(cwd), true
}

// JobSet is the set of job directory names with a live process.
type JobSet map[string]struct{}

func NewJobSet(names ...string) JobSet {
	s := make(JobSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s JobSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

func (s JobSet) Len() int {
	return len(s)
}

// Names returns the sorted members.
func (s JobSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Poller resolves the live job set.
type Poller interface {
	LiveJobDirs(ctx context.Context, q Query) (JobSet, error)
}
