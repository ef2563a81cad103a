// Package fileutil collects small filesystem predicates reused across
// the ingestion pipeline: whether a path is a directory, whether it
// exists, and whether it lies below another path. None of these do
// more than wrap a stdlib call with the error handling this repo's
// other packages expect.
package fileutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// IsDir returns whether path is a directory. Tries to behave the same
// as Python's pathlib.Path.is_dir(): a missing or unreadable path is
// simply not a directory, no error returned.
func IsDir(path string) bool {
	f, err := os.Stat(path)
	if err != nil {
		return false
	}
	return f.Mode()&os.ModeDir != 0
}

// Exists reports whether path exists, distinguishing "doesn't exist"
// from other stat failures.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, errors.WithStack(err)
	}
	return !errors.Is(err, os.ErrNotExist), nil
}

// IsBelow returns true if and only if path lies below or is root.
// path and root must be either both absolute or both relative.
func IsBelow(path string, root string) (bool, error) {
	if filepath.IsAbs(path) != filepath.IsAbs(root) {
		return false, errors.Errorf("arguments to IsBelow must either both be relative or both be absolute, got: %q and %q", path, root)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		// Windows paths on separate drives can't be made relative to
		// one another; treat that as "not below" rather than an error.
		return false, nil
	}
	return rel != ".." && !strings.HasPrefix(rel, filepath.FromSlash("../")), nil
}
