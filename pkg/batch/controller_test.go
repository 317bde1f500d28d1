package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/mccebench/pkg/book"
	"github.com/3leaps/mccebench/pkg/launcher"
	"github.com/3leaps/mccebench/pkg/procpoll"
)

type fakePoller struct {
	live  procpoll.JobSet
	err   error
	calls []procpoll.Query
}

func (f *fakePoller) LiveJobDirs(_ context.Context, q procpoll.Query) (procpoll.JobSet, error) {
	f.calls = append(f.calls, q)
	if f.err != nil {
		return nil, f.err
	}
	if f.live == nil {
		return procpoll.NewJobSet(), nil
	}
	return f.live, nil
}

type launch struct {
	jobDir string
	script string
}

type fakeLauncher struct {
	fail     map[string]error
	launches []launch
}

func (f *fakeLauncher) Launch(_ context.Context, jobDir, script string) error {
	if err, ok := f.fail[filepath.Base(jobDir)]; ok {
		return &launcher.LaunchError{JobDir: jobDir, Script: script, Err: err}
	}
	f.launches = append(f.launches, launch{jobDir: jobDir, script: script})
	return nil
}

func (f *fakeLauncher) names() []string {
	out := make([]string, 0, len(f.launches))
	for _, l := range f.launches {
		out = append(out, filepath.Base(l.jobDir))
	}
	return out
}

type fakeRecorder struct {
	reports []*Report
	err     error
}

func (f *fakeRecorder) RecordPass(_ context.Context, r *Report) error {
	f.reports = append(f.reports, r)
	return f.err
}

// setupRunRoot creates a run root with the job script, one dir per entry
// and the given book.
func setupRunRoot(t *testing.T, b book.Book) Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "default_run.sh"), []byte("#!/bin/sh\n"), 0755))
	for _, e := range b {
		require.NoError(t, os.MkdirAll(filepath.Join(root, e.Name), 0755))
	}
	cfg := Config{
		RunRoot:      root,
		JobName:      DefaultJobName,
		Cap:          DefaultCap,
		SentinelFile: DefaultSentinelFile,
		User:         "alice",
	}
	require.NoError(t, book.Save(cfg.BookPath(), b))
	return cfg
}

func touchSentinel(t *testing.T, cfg Config, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.JobDir(name), cfg.SentinelFile), []byte("pK\n"), 0644))
}

func loadBook(t *testing.T, cfg Config) book.Book {
	t.Helper()
	b, err := book.Load(cfg.BookPath())
	require.NoError(t, err)
	return b
}

func statuses(b book.Book) map[string]book.Status {
	out := make(map[string]book.Status, len(b))
	for _, e := range b {
		out[e.Name] = e.Status
	}
	return out
}

func TestRun_ConcreteScenario(t *testing.T) {
	cfg := setupRunRoot(t, book.Book{
		{Name: "P1", Status: book.StatusUnsubmitted},
		{Name: "P2", Status: book.StatusUnsubmitted},
		{Name: "P3", Status: book.StatusRunning},
	})
	cfg.Cap = 2
	poller := &fakePoller{live: procpoll.NewJobSet("P3")}
	l := &fakeLauncher{}

	c, err := New(cfg, poller, l)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, book.Book{
		{Name: "P1", Status: book.StatusRunning},
		{Name: "P2", Status: book.StatusUnsubmitted},
		{Name: "P3", Status: book.StatusRunning},
	}, loadBook(t, cfg))
	assert.Equal(t, []string{"P1"}, l.names())
	assert.Equal(t, []string{"P1"}, report.Launched)
	assert.Equal(t, []string{"P3"}, report.Live)
	assert.Equal(t, book.Counts{Total: 3, Unsubmitted: 1, Running: 2}, report.Counts)

	require.Len(t, poller.calls, 1)
	assert.Equal(t, procpoll.Query{JobName: "default_run.sh", User: "alice"}, poller.calls[0])
}

func TestRun_LaunchesScriptFromParentDir(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"4LZT"}))
	l := &fakeLauncher{}
	c, err := New(cfg, &fakePoller{}, l)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, l.launches, 1)
	assert.Equal(t, filepath.Join(cfg.RunRoot, "4LZT"), l.launches[0].jobDir)
	assert.Equal(t, filepath.Join("..", "default_run.sh"), l.launches[0].script)
}

func TestRun_CapRespected(t *testing.T) {
	names := make([]string, 7)
	for i := range names {
		names[i] = fmt.Sprintf("J%02d", i)
	}
	cfg := setupRunRoot(t, book.NewBook(names))
	cfg.Cap = 3
	l := &fakeLauncher{}

	c, err := New(cfg, &fakePoller{}, l)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	b := loadBook(t, cfg)
	assert.Equal(t, []string{"J00", "J01", "J02"}, b.WithStatus(book.StatusRunning))
	assert.Len(t, b.WithStatus(book.StatusUnsubmitted), 4)
	assert.Equal(t, []string{"J00", "J01", "J02"}, l.names())
}

func TestRun_LiveJobsOccupyCap(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"A", "B"}))
	cfg.Cap = 2
	// two jobs from some other book share the script name
	poller := &fakePoller{live: procpoll.NewJobSet("X", "Y")}
	l := &fakeLauncher{}

	c, err := New(cfg, poller, l)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, l.launches)
	assert.Equal(t, book.NewBook([]string{"A", "B"}), loadBook(t, cfg))
}

func TestRun_CompletionResolution(t *testing.T) {
	cfg := setupRunRoot(t, book.Book{
		{Name: "OK", Status: book.StatusRunning},
		{Name: "BAD", Status: book.StatusRunning},
		{Name: "BUSY", Status: book.StatusRunning},
	})
	touchSentinel(t, cfg, "OK")
	touchSentinel(t, cfg, "BUSY")
	poller := &fakePoller{live: procpoll.NewJobSet("BUSY")}

	c, err := New(cfg, poller, &fakeLauncher{})
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]book.Status{
		"OK":   book.StatusCompleted,
		"BAD":  book.StatusError,
		"BUSY": book.StatusRunning,
	}, statuses(loadBook(t, cfg)))
	assert.Equal(t, []string{"OK"}, report.Completed)
	assert.Equal(t, []string{"BAD"}, report.Errored)
	assert.Equal(t, []Transition{
		{Name: "OK", From: book.StatusRunning, To: book.StatusCompleted},
		{Name: "BAD", From: book.StatusRunning, To: book.StatusError},
	}, report.Transitions())
}

func TestRun_CompletionFreesCapacityInSamePass(t *testing.T) {
	cfg := setupRunRoot(t, book.Book{
		{Name: "DONE", Status: book.StatusRunning},
		{Name: "NEXT", Status: book.StatusUnsubmitted},
	})
	cfg.Cap = 1
	touchSentinel(t, cfg, "DONE")
	l := &fakeLauncher{}

	c, err := New(cfg, &fakePoller{}, l)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]book.Status{
		"DONE": book.StatusCompleted,
		"NEXT": book.StatusRunning,
	}, statuses(loadBook(t, cfg)))
}

func TestRun_TerminalEntriesUntouched(t *testing.T) {
	cfg := setupRunRoot(t, book.Book{
		{Name: "A", Status: book.StatusCompleted},
		{Name: "B", Status: book.StatusError},
		{Name: "C", Status: book.StatusCompleted},
	})
	touchSentinel(t, cfg, "B")
	before, err := os.ReadFile(cfg.BookPath())
	require.NoError(t, err)
	poller := &fakePoller{}
	l := &fakeLauncher{}

	c, err := New(cfg, poller, l)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	after, err := os.ReadFile(cfg.BookPath())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Empty(t, l.launches)
	assert.False(t, report.Changed())
	assert.Len(t, poller.calls, 1)
}

func TestRun_MonotonicAcrossPasses(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E"}
	cfg := setupRunRoot(t, book.NewBook(names))
	cfg.Cap = 2
	poller := &fakePoller{}
	l := &fakeLauncher{}
	c, err := New(cfg, poller, l)
	require.NoError(t, err)

	rank := map[book.Status]int{
		book.StatusUnsubmitted: 0,
		book.StatusRunning:     1,
		book.StatusCompleted:   2,
		book.StatusError:       2,
	}

	prev := statuses(loadBook(t, cfg))
	for pass := 0; pass < 8; pass++ {
		// Everything launched so far is live on odd passes and gone on even
		// ones; every other finished job leaves a sentinel.
		live := procpoll.NewJobSet()
		if pass%2 == 1 {
			for name, s := range prev {
				if s == book.StatusRunning {
					live[name] = struct{}{}
				}
			}
		}
		poller.live = live
		for i, name := range names {
			if i%2 == 0 && prev[name] == book.StatusRunning {
				touchSentinel(t, cfg, name)
			}
		}

		_, err := c.Run(context.Background())
		require.NoError(t, err)

		cur := statuses(loadBook(t, cfg))
		for name, s := range cur {
			assert.GreaterOrEqual(t, rank[s], rank[prev[name]], "pass %d: %s went %q -> %q", pass, name, prev[name], s)
			if prev[name].Terminal() {
				assert.Equal(t, prev[name], s, "pass %d: terminal %s changed", pass, name)
			}
		}
		prev = cur
	}

	assert.True(t, loadBook(t, cfg).AllTerminal())
	assert.Equal(t, names, l.names())
}

func TestRun_LaunchFailureLeavesEntryUnsubmitted(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"A", "BROKEN", "C", "D"}))
	cfg.Cap = 2
	l := &fakeLauncher{fail: map[string]error{"BROKEN": launcher.ErrNotFound}}

	c, err := New(cfg, &fakePoller{}, l)
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, book.Book{
		{Name: "A", Status: book.StatusRunning},
		{Name: "BROKEN", Status: book.StatusUnsubmitted},
		{Name: "C", Status: book.StatusRunning},
		{Name: "D", Status: book.StatusUnsubmitted},
	}, loadBook(t, cfg))
	require.Len(t, report.LaunchFailures, 1)
	assert.Equal(t, "BROKEN", report.LaunchFailures[0].Name)
}

func TestRun_MissingScriptFailsFast(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"A", "B"}))
	require.NoError(t, os.Remove(cfg.ScriptPath()))
	before, err := os.ReadFile(cfg.BookPath())
	require.NoError(t, err)
	poller := &fakePoller{}
	l := &fakeLauncher{}

	c, err := New(cfg, poller, l)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsMissingScript(err))
	assert.True(t, IsNotFound(err))

	after, err := os.ReadFile(cfg.BookPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, poller.calls)
	assert.Empty(t, l.launches)
}

func TestRun_MissingBook(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"A"}))
	require.NoError(t, os.Remove(cfg.BookPath()))

	c, err := New(cfg, &fakePoller{}, &fakeLauncher{})
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsMissingScript(err))

	_, statErr := os.Stat(cfg.BookPath())
	assert.True(t, os.IsNotExist(statErr), "a failed pass must not create the book")
}

func TestRun_ProcessQueryFailureKeepsBook(t *testing.T) {
	cfg := setupRunRoot(t, book.Book{
		{Name: "A", Status: book.StatusRunning},
		{Name: "B", Status: book.StatusUnsubmitted},
	})
	before, err := os.ReadFile(cfg.BookPath())
	require.NoError(t, err)
	poller := &fakePoller{err: &procpoll.QueryError{Cmd: "pgrep -u alice default_run.sh", Err: errors.New("permission denied")}}
	l := &fakeLauncher{}

	c, err := New(cfg, poller, l)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsProcessQuery(err))

	after, err := os.ReadFile(cfg.BookPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, l.launches)
}

func TestRun_UnknownStatusPreserved(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"A"}))
	require.NoError(t, os.WriteFile(cfg.BookPath(), []byte("A x\nB\n"), 0644))
	require.NoError(t, os.MkdirAll(cfg.JobDir("B"), 0755))
	l := &fakeLauncher{}

	c, err := New(cfg, &fakePoller{}, l)
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, book.Book{
		{Name: "A", Status: book.Status('x')},
		{Name: "B", Status: book.StatusRunning},
	}, loadBook(t, cfg))
}

func TestRun_RecorderAndScope(t *testing.T) {
	cfg := setupRunRoot(t, book.NewBook([]string{"A"}))
	cfg.ScopeToRoot = true
	poller := &fakePoller{}
	rec := &fakeRecorder{err: errors.New("disk full")}

	c, err := New(cfg, poller, &fakeLauncher{}, WithRecorder(rec))
	require.NoError(t, err)
	report, err := c.Run(context.Background())
	require.NoError(t, err, "journal failures never fail the pass")

	require.Len(t, rec.reports, 1)
	assert.Equal(t, report.PassID, rec.reports[0].PassID)
	assert.NotEmpty(t, report.PassID)
	assert.Equal(t, cfg.RunRoot, poller.calls[0].Root)
}

func TestNew_ValidatesConfig(t *testing.T) {
	valid := Config{RunRoot: "/r", JobName: "job", Cap: 1, SentinelFile: "pK.out", User: "u"}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no run root", mutate: func(c *Config) { c.RunRoot = "" }},
		{name: "no job", mutate: func(c *Config) { c.JobName = " " }},
		{name: "job with slash", mutate: func(c *Config) { c.JobName = "a/b" }},
		{name: "negative cap", mutate: func(c *Config) { c.Cap = -1 }},
		{name: "no sentinel", mutate: func(c *Config) { c.SentinelFile = "" }},
		{name: "no user", mutate: func(c *Config) { c.User = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg, &fakePoller{}, &fakeLauncher{})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(valid, nil, &fakeLauncher{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(valid, &fakePoller{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_ScriptName(t *testing.T) {
	assert.Equal(t, "default_run.sh", Config{JobName: "default_run"}.ScriptName())
	assert.Equal(t, "e8.sh", Config{JobName: "e8.sh"}.ScriptName())
	assert.Equal(t, filepath.Join("/r", book.DefaultFileName), Config{RunRoot: "/r"}.BookPath())
	assert.Equal(t, filepath.Join("/r", "custom.txt"), Config{RunRoot: "/r", BookName: "custom.txt"}.BookPath())
}
