// Package history journals controller passes in a local SQLite database.
//
// The journal is informational: the book file stays the source of truth
// and a pass never fails because the journal could not be written.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3leaps/mccebench/pkg/batch"
)

const (
	schemaVersion = 1
	driverName    = "sqlite"

	// DefaultDir is the state directory created inside a run root.
	DefaultDir = ".mccebench"
	// DefaultFileName is the journal database name inside DefaultDir.
	DefaultFileName = "history.db"

	// Fixed-width UTC timestamps so ORDER BY on the text column is chronological.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// DefaultPath returns the journal location for a run root.
func DefaultPath(runRoot string) string {
	return filepath.Join(runRoot, DefaultDir, DefaultFileName)
}

type Config struct {
	Path string
}

// Store is a pass journal.
type Store struct {
	db *sql.DB
}

// Pass is one journaled controller pass.
type Pass struct {
	PassID         string             `json:"pass_id" yaml:"pass_id"`
	RunRoot        string             `json:"run_root" yaml:"run_root"`
	JobName        string             `json:"job_name" yaml:"job_name"`
	Cap            int                `json:"cap" yaml:"cap"`
	StartedAt      time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time          `json:"finished_at" yaml:"finished_at"`
	Live           int                `json:"live" yaml:"live"`
	Launched       int                `json:"launched" yaml:"launched"`
	Completed      int                `json:"completed" yaml:"completed"`
	Errored        int                `json:"errored" yaml:"errored"`
	LaunchFailures int                `json:"launch_failures" yaml:"launch_failures"`
	Total          int                `json:"total" yaml:"total"`
	Transitions    []batch.Transition `json:"transitions,omitempty" yaml:"-"`
}

// Open opens (and creates if needed) the journal database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required")
	}
	dsn := path
	if path != ":memory:" {
		// Only the state directory itself is created; its parent (the run
		// root) must exist.
		// #nosec G301 -- state directories use 0755 like the run root itself
		if err := os.Mkdir(filepath.Dir(path), 0755); err != nil && !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if err := configureLocal(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// configureLocal keeps a single connection and enables WAL so overlapping
// cron invocations wait on each other instead of failing.
func configureLocal(ctx context.Context, db *sql.DB, dsn string) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO history_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS passes (
			pass_id TEXT PRIMARY KEY,
			run_root TEXT NOT NULL,
			job_name TEXT NOT NULL,
			cap INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			live INTEGER NOT NULL,
			launched INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			errored INTEGER NOT NULL,
			launch_failures INTEGER NOT NULL,
			total INTEGER NOT NULL,
			transitions TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_passes_started_at ON passes(started_at);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// RecordPass implements batch.Recorder.
func (s *Store) RecordPass(ctx context.Context, r *batch.Report) error {
	if r == nil {
		return errors.New("report is nil")
	}
	transitions, err := json.Marshal(r.Transitions())
	if err != nil {
		return fmt.Errorf("marshal transitions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO passes (
			pass_id, run_root, job_name, cap, started_at, finished_at,
			live, launched, completed, errored, launch_failures, total, transitions
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PassID, r.RunRoot, r.JobName, r.Cap,
		r.StartedAt.UTC().Format(timeLayout),
		r.FinishedAt.UTC().Format(timeLayout),
		len(r.Live), len(r.Launched), len(r.Completed), len(r.Errored), len(r.LaunchFailures),
		r.Counts.Total, string(transitions),
	)
	if err != nil {
		return fmt.Errorf("insert pass: %w", err)
	}
	return nil
}

// ListPasses returns the most recent passes, newest first. limit <= 0
// returns all of them.
func (s *Store) ListPasses(ctx context.Context, limit int) ([]Pass, error) {
	query := `SELECT pass_id, run_root, job_name, cap, started_at, finished_at,
		live, launched, completed, errored, launch_failures, total, transitions
		FROM passes ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Pass, 0)
	for rows.Next() {
		var (
			p                 Pass
			started, finished string
			transitions       sql.NullString
		)
		if err := rows.Scan(&p.PassID, &p.RunRoot, &p.JobName, &p.Cap, &started, &finished,
			&p.Live, &p.Launched, &p.Completed, &p.Errored, &p.LaunchFailures, &p.Total, &transitions); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		if p.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if p.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		if transitions.Valid && transitions.String != "" {
			if err := json.Unmarshal([]byte(transitions.String), &p.Transitions); err != nil {
				return nil, fmt.Errorf("parse transitions: %w", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passes: %w", err)
	}
	return out, nil
}
