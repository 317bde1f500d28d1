package book

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Selector picks job directories under a run root.
type Selector struct {
	// Includes are glob patterns matched against the directory name.
	// Empty means every directory.
	Includes []string

	// Excludes are glob patterns a directory name must not match.
	Excludes []string

	// Requires is a glob, relative to each directory, that must match at
	// least one file (e.g. "prot.pdb" or "*.pdb").
	Requires string
}

func (s Selector) validate() error {
	for _, p := range append(append([]string{}, s.Includes...), s.Excludes...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	if s.Requires != "" && !doublestar.ValidatePattern(s.Requires) {
		return fmt.Errorf("invalid glob pattern %q", s.Requires)
	}
	return nil
}

func (s Selector) matchName(name string) bool {
	if len(s.Includes) > 0 {
		ok := false
		for _, p := range s.Includes {
			if m, _ := doublestar.Match(p, name); m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, p := range s.Excludes {
		if m, _ := doublestar.Match(p, name); m {
			return false
		}
	}
	return true
}

// Discover returns the sorted names of job directories under runRoot
// accepted by sel. Hidden directories are skipped.
func Discover(runRoot string, sel Selector) ([]string, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(runRoot)
	if err != nil {
		return nil, fmt.Errorf("read run root: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !sel.matchName(name) {
			continue
		}
		if sel.Requires != "" {
			matches, err := doublestar.Glob(os.DirFS(filepath.Join(runRoot, name)), sel.Requires)
			if err != nil {
				return nil, fmt.Errorf("glob %s in %s: %w", sel.Requires, name, err)
			}
			if len(matches) == 0 {
				continue
			}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
