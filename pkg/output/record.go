// Package output provides JSONL output for batch passes.
//
// Each pass is emitted as typed record envelopes: one per status change,
// one per launch failure and a final pass summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: mccebench.<type>.v<version>
const (
	// TypeTransition identifies status change records.
	TypeTransition = "mccebench.transition.v1"

	// TypeLaunchFailure identifies jobs that could not be started.
	TypeLaunchFailure = "mccebench.launch_failure.v1"

	// TypePass identifies end-of-pass summary records.
	TypePass = "mccebench.pass.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "mccebench.pass.v1").
	Type string `json:"type"`

	TS time.Time `json:"ts"`

	// PassID correlates every record of one pass.
	PassID string `json:"pass_id"`

	// JobName is the job script name without ".sh".
	JobName string `json:"job_name"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// TransitionRecord is one book entry changing status.
type TransitionRecord struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// LaunchFailureRecord is a job left unsubmitted because it could not start.
type LaunchFailureRecord struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// PassRecord summarises a finished pass.
type PassRecord struct {
	RunRoot string `json:"run_root"`
	Cap     int    `json:"cap"`

	Live           int `json:"live"`
	Launched       int `json:"launched"`
	Completed      int `json:"completed"`
	Errored        int `json:"errored"`
	LaunchFailures int `json:"launch_failures"`

	Total        int     `json:"total"`
	Unsubmitted  int     `json:"unsubmitted"`
	Running      int     `json:"running"`
	PctCompleted float64 `json:"pct_completed"`

	// Duration is the pass wall time.
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
