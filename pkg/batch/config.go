package batch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/3leaps/mccebench/pkg/book"
)

const (
	DefaultJobName      = "default_run"
	DefaultCap          = 10
	DefaultSentinelFile = "pK.out"
)

// Config holds the batch parameters for one controller pass.
type Config struct {
	// RunRoot is the directory holding the book, the job script and one
	// sub-directory per job.
	RunRoot string

	// BookName is the book file name inside RunRoot.
	BookName string

	// JobName identifies the job script; ".sh" is appended when missing.
	JobName string

	// Cap is the maximum number of running jobs.
	Cap int

	// SentinelFile is the file whose presence in a job dir marks success.
	SentinelFile string

	// User owns the polled processes.
	User string

	// ScopeToRoot only counts live processes whose working directory is
	// inside RunRoot.
	ScopeToRoot bool
}

// ScriptName is the job script file name.
func (c Config) ScriptName() string {
	name := strings.TrimSpace(c.JobName)
	if strings.HasSuffix(name, ".sh") {
		return name
	}
	return name + ".sh"
}

func (c Config) ScriptPath() string {
	return filepath.Join(c.RunRoot, c.ScriptName())
}

func (c Config) BookPath() string {
	name := c.BookName
	if name == "" {
		name = book.DefaultFileName
	}
	return filepath.Join(c.RunRoot, name)
}

func (c Config) JobDir(name string) string {
	return filepath.Join(c.RunRoot, name)
}

// jobScriptRef is how a job dir refers to the script: one level up.
func (c Config) jobScriptRef() string {
	return filepath.Join("..", c.ScriptName())
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.RunRoot) == "" {
		return fmt.Errorf("%w: run root is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.JobName) == "" || strings.ContainsAny(c.JobName, " \t/") {
		return fmt.Errorf("%w: job name must be a non-empty name without spaces or slashes", ErrInvalidConfig)
	}
	if c.Cap < 0 {
		return fmt.Errorf("%w: cap must be >= 0", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.SentinelFile) == "" {
		return fmt.Errorf("%w: sentinel file is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidConfig)
	}
	return nil
}
