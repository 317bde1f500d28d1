package batch

import (
	"time"

	"github.com/3leaps/mccebench/pkg/book"
)

// Report summarises one controller pass.
type Report struct {
	PassID     string    `json:"pass_id"`
	RunRoot    string    `json:"run_root"`
	JobName    string    `json:"job_name"`
	Cap        int       `json:"cap"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Live is the job set reported by the poller at the start of the pass.
	Live []string `json:"live"`

	Launched       []string        `json:"launched,omitempty"`
	Completed      []string        `json:"completed,omitempty"`
	Errored        []string        `json:"errored,omitempty"`
	LaunchFailures []LaunchFailure `json:"launch_failures,omitempty"`

	// Counts are the book totals after the pass.
	Counts book.Counts `json:"counts"`

	transitions []Transition
}

// LaunchFailure is a job that could not be started and stays unsubmitted.
type LaunchFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Transition is one status change applied during a pass.
type Transition struct {
	Name string      `json:"name"`
	From book.Status `json:"from"`
	To   book.Status `json:"to"`
}

func (r *Report) add(name string, from, to book.Status) {
	r.transitions = append(r.transitions, Transition{Name: name, From: from, To: to})
	switch to {
	case book.StatusRunning:
		r.Launched = append(r.Launched, name)
	case book.StatusCompleted:
		r.Completed = append(r.Completed, name)
	case book.StatusError:
		r.Errored = append(r.Errored, name)
	}
}

// Transitions returns the status changes in book order.
func (r *Report) Transitions() []Transition {
	out := make([]Transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

// Changed reports whether the pass changed any entry.
func (r *Report) Changed() bool {
	return len(r.transitions) > 0
}
