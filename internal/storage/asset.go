// Package storage owns the upload directory: streamed receipt of client
// uploads with size and extension checks, deletion, and the age-based
// retention sweep.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Asset is an upload that has been fully received and committed to disk.
type Asset struct {
	Name       string
	Path       string
	Size       int64
	Extension  string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// ValidationError reports an upload the client can correct.
type ValidationError struct {
	Code     string
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload %q: %s", e.Filename, e.Reason)
}

// Validation codes.
const (
	CodeInvalidFileType = "INVALID_FILE_TYPE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeFileEmpty       = "FILE_EMPTY"
	CodeMissingFile     = "MISSING_FILE"
)

// IOError wraps a disk or stream fault while handling an upload.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ErrMissingFile is returned when a request carries no file part.
var ErrMissingFile = &ValidationError{Code: CodeMissingFile, Reason: "no file provided"}

// Extension returns the lower-cased extension of name without the dot, or ""
// when the name has none. A leading dot marks a hidden file, not an extension.
func Extension(name string) string {
	base := filepath.Base(name)
	idx := strings.LastIndex(base, ".")
	if idx <= 0 || idx == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[idx+1:])
}

// Info stats path and describes it as an Asset.
func Info(path string) (*Asset, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, &IOError{Op: "stat", Err: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Asset{
		Name:       st.Name(),
		Path:       abs,
		Size:       st.Size(),
		Extension:  Extension(st.Name()),
		CreatedAt:  createdAt(st),
		ModifiedAt: st.ModTime(),
	}, nil
}

// Delete removes path. Removing a file that is already gone is not an error.
func Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "delete", Err: err}
	}
	return nil
}
