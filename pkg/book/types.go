package book

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Status is the one-character submission state of a book entry.
//
// NOTE: These values are persisted in the book file and are part of the
// stable on-disk contract.
type Status rune

const (
	StatusUnsubmitted Status = ' '
	StatusRunning     Status = 'r'
	StatusCompleted   Status = 'c'
	StatusError       Status = 'e'
)

// ParseStatus returns the status for a book token. Only the first character
// is significant and it is lowercased.
func ParseStatus(token string) (Status, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return StatusUnsubmitted, nil
	}
	s := firstStatus(token)
	if !s.Valid() {
		return s, fmt.Errorf("unknown book status %q", s.String())
	}
	return s, nil
}

// firstStatus lowercases the first rune of a non-empty token.
func firstStatus(token string) Status {
	r, _ := utf8.DecodeRuneInString(token)
	return Status(unicode.ToLower(r))
}

func (s Status) Valid() bool {
	switch s {
	case StatusUnsubmitted, StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from s to next respects the
// ' ' -> 'r' -> {'c','e'} order. Staying put is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusUnsubmitted:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

func (s Status) String() string {
	return string(rune(s))
}

// Label is a human-readable name for table output.
func (s Status) Label() string {
	switch s {
	case StatusUnsubmitted:
		return "unsubmitted"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// Entry is one line of the book: a job directory name and its status.
type Entry struct {
	Name   string `json:"name" yaml:"name"`
	Status Status `json:"status" yaml:"status"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%-6s %c", e.Name, rune(e.Status))
}

// MarshalText keeps the status readable in JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Book is the ordered ledger. Order is the file order and is preserved
// across load/save cycles.
type Book []Entry

// NewBook returns a book with every name unsubmitted.
func NewBook(names []string) Book {
	b := make(Book, 0, len(names))
	for _, n := range names {
		b = append(b, Entry{Name: n, Status: StatusUnsubmitted})
	}
	return b
}

// WithStatus returns the names of entries having status s, in book order.
func (b Book) WithStatus(s Status) []string {
	out := make([]string, 0)
	for _, e := range b {
		if e.Status == s {
			out = append(out, e.Name)
		}
	}
	return out
}

// AllTerminal reports whether every entry is completed or errored.
func (b Book) AllTerminal() bool {
	for _, e := range b {
		if !e.Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts tallies entries per status.
type Counts struct {
	Total       int `json:"total" yaml:"total"`
	Unsubmitted int `json:"unsubmitted" yaml:"unsubmitted"`
	Running     int `json:"running" yaml:"running"`
	Completed   int `json:"completed" yaml:"completed"`
	Errored     int `json:"errored" yaml:"errored"`
}

func (b Book) Counts() Counts {
	c := Counts{Total: len(b)}
	for _, e := range b {
		switch e.Status {
		case StatusUnsubmitted:
			c.Unsubmitted++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusError:
			c.Errored++
		}
	}
	return c
}

// PctCompleted is the completed fraction in [0,1]; an empty book is 0.
func (c Counts) PctCompleted() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Completed) / float64(c.Total)
}
