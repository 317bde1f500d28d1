// Package batch reconciles the book against the process table and starts
// new jobs up to the concurrency cap.
//
// A Controller performs exactly one pass per Run call and keeps no state
// between calls: the book file is the only persistent state. It is meant to
// be re-invoked periodically (cron or `mccebench watch`).
package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/mccebench/pkg/book"
	"github.com/3leaps/mccebench/pkg/launcher"
	"github.com/3leaps/mccebench/pkg/procpoll"
)

// Recorder journals finished passes.
type Recorder interface {
	RecordPass(ctx context.Context, r *Report) error
}

// Controller runs batch passes for one run root.
type Controller struct {
	cfg      Config
	poller   procpoll.Poller
	launcher launcher.Launcher
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Controller)

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, poller procpoll.Poller, l launcher.Launcher, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if poller == nil {
		return nil, fmt.Errorf("%w: poller is required", ErrInvalidConfig)
	}
	if l == nil {
		return nil, fmt.Errorf("%w: launcher is required", ErrInvalidConfig)
	}
	c := &Controller{
		cfg:      cfg,
		poller:   poller,
		launcher: l,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) Config() Config {
	return c.cfg
}

// Run performs one pass. The book is written only when the pass gets past
// the script check, the book load and the process poll; on any of those
// failures the file on disk is left untouched.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		PassID:    uuid.New().String(),
		StartedAt: c.now(),
		RunRoot:   c.cfg.RunRoot,
		JobName:   c.cfg.JobName,
		Cap:       c.cfg.Cap,
	}
	logger := c.logger.With(zap.String("pass_id", report.PassID))

	if err := c.checkScript(); err != nil {
		logger.Error("Job script missing", zap.String("script", c.cfg.ScriptPath()), zap.Error(err))
		return nil, err
	}

	bookPath := c.cfg.BookPath()
	entries, err := book.Load(bookPath)
	if err != nil {
		logger.Error("Failed to load book", zap.String("book", bookPath), zap.Error(err))
		return nil, err
	}
	logger.Debug("Read book entries", zap.Int("entries", len(entries)))

	q := procpoll.Query{JobName: c.cfg.ScriptName(), User: c.cfg.User}
	if c.cfg.ScopeToRoot {
		q.Root = c.cfg.RunRoot
	}
	live, err := c.poller.LiveJobDirs(ctx, q)
	if err != nil {
		logger.Error("Process query failed; book left unchanged", zap.Error(err))
		return nil, err
	}
	report.Live = live.Names()
	logger.Info("Running jobs", zap.Int("running", live.Len()))

	running := live.Len()
	for i := range entries {
		e := &entries[i]
		switch e.Status {
		case book.StatusUnsubmitted:
			running++
			if running > c.cfg.Cap {
				continue
			}
			if err := c.launcher.Launch(ctx, c.cfg.JobDir(e.Name), c.cfg.jobScriptRef()); err != nil {
				logger.Error("Failed to launch job; left unsubmitted",
					zap.String("job", e.Name),
					zap.String("cmd", c.cfg.jobScriptRef()),
					zap.Error(err))
				report.LaunchFailures = append(report.LaunchFailures, LaunchFailure{Name: e.Name, Error: err.Error()})
				// The slot was never taken.
				running--
				continue
			}
			c.transition(logger, report, e, book.StatusRunning)

		case book.StatusRunning:
			if live.Has(e.Name) {
				continue
			}
			next := book.StatusError
			done, err := c.sentinelExists(e.Name)
			if err != nil {
				logger.Warn("Cannot check sentinel file; treating job as failed",
					zap.String("job", e.Name),
					zap.Error(err))
			}
			if done {
				next = book.StatusCompleted
			}
			c.transition(logger, report, e, next)
		}
	}

	if err := book.Save(bookPath, entries); err != nil {
		logger.Error("Failed to save book", zap.String("book", bookPath), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSaveBook, err)
	}

	report.FinishedAt = c.now()
	report.Counts = entries.Counts()
	logger.Info("Pass complete",
		zap.Int("launched", len(report.Launched)),
		zap.Int("completed", len(report.Completed)),
		zap.Int("errored", len(report.Errored)),
		zap.Int("launch_failures", len(report.LaunchFailures)),
		zap.Float64("pct_completed", report.Counts.PctCompleted()))

	if c.recorder != nil {
		if err := c.recorder.RecordPass(ctx, report); err != nil {
			logger.Warn("Failed to record pass", zap.Error(err))
		}
	}
	return report, nil
}

func (c *Controller) transition(logger *zap.Logger, report *Report, e *book.Entry, next book.Status) {
	if !e.Status.CanTransition(next) {
		// Unreachable from Run's switch.
		logger.Error("Refusing backward status change",
			zap.String("job", e.Name),
			zap.String("from", e.Status.String()),
			zap.String("to", next.String()))
		return
	}
	report.add(e.Name, e.Status, next)
	logger.Info("Changed status",
		zap.String("job", e.Name),
		zap.String("from", e.Status.String()),
		zap.String("to", next.String()))
	e.Status = next
}

func (c *Controller) checkScript() error {
	path := c.cfg.ScriptPath()
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingScript, path)
		}
		return fmt.Errorf("stat job script: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingScript, path)
	}
	return nil
}

func (c *Controller) sentinelExists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(c.cfg.JobDir(name), c.cfg.SentinelFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
