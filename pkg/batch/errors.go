package batch

import (
	"errors"

	"github.com/3leaps/mccebench/pkg/book"
	"github.com/3leaps/mccebench/pkg/launcher"
	"github.com/3leaps/mccebench/pkg/procpoll"
)

// Sentinel errors for a controller pass.
var (
	// ErrNotFound matches a missing book file, job script, or job directory.
	ErrNotFound = errors.New("not found")

	// ErrMissingScript indicates the job script does not exist in the run
	// root. It also matches ErrNotFound.
	ErrMissingScript error = &missingScriptError{}

	// ErrInvalidConfig indicates unusable batch parameters.
	ErrInvalidConfig = errors.New("invalid batch config")

	// ErrSaveBook indicates the updated book could not be written.
	ErrSaveBook = errors.New("save book")
)

type missingScriptError struct{}

func (*missingScriptError) Error() string { return "job script not found" }

func (*missingScriptError) Is(target error) bool { return target == ErrNotFound }

// IsNotFound returns true if the error indicates a missing book, script, or job dir.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, book.ErrNotFound) || errors.Is(err, launcher.ErrNotFound)
}

// IsMissingScript returns true if the pass failed because the job script is absent.
func IsMissingScript(err error) bool {
	return errors.Is(err, ErrMissingScript)
}

// IsProcessQuery returns true if the pass was aborted by a process table query failure.
func IsProcessQuery(err error) bool {
	return procpoll.IsQueryError(err)
}

// IsLaunch returns true if the error came from starting a job.
func IsLaunch(err error) bool {
	return errors.Is(err, launcher.ErrLaunch)
}
