package book

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFileName is the book file name inside a run root.
const DefaultFileName = "book.txt"

// ErrNotFound indicates the book file does not exist.
var ErrNotFound = errors.New("book not found")

// ParseLine parses one book line. Everything from the first '#' is a
// comment. The second return value is false for lines that are empty once
// the comment is removed.
//
// Unknown status characters are kept verbatim; callers treat them like a
// terminal status and never touch them.
func ParseLine(line string) (Entry, bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Entry{}, false
	}
	e := Entry{Name: fields[0], Status: StatusUnsubmitted}
	if len(fields) > 1 {
		e.Status = firstStatus(fields[1])
	}
	return e, true
}

// Read parses a book from r.
func Read(r io.Reader) (Book, error) {
	out := make(Book, 0)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if e, ok := ParseLine(sc.Text()); ok {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read book: %w", err)
	}
	return out, nil
}

// Write renders one line per entry.
func Write(w io.Writer, b Book) error {
	bw := bufio.NewWriter(w)
	for _, e := range b {
		if _, err := bw.WriteString(e.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load reads the book at path.
func Load(path string) (Book, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open book: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Save overwrites the book at path with b.
//
// The content is written to a temp file in the same directory and renamed
// over path, so a crash mid-write leaves the previous book intact. Readers
// only ever see a whole file.
func Save(path string, b Book) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("book path is required")
	}
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := Write(tmp, b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp book file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp book file: %w", err)
	}

	// Keep the existing mode so a hand-edited book stays readable to others.
	mode := os.FileMode(0644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp book file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename book file: %w", err)
	}
	return nil
}
