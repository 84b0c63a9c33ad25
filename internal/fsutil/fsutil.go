// Package fsutil holds the small synchronous filesystem primitives used by
// plugin discovery and manifest validation.
package fsutil

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Kind is the kind of filesystem entry a path is expected to be.
type Kind string

// Entry kinds accepted by Exists.
const (
	KindAny       Kind = ""
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// ErrKindMismatch is returned by Exists when the entry exists but has the wrong kind.
var ErrKindMismatch = errors.New("fsutil: entry has unexpected kind")

// IsValidDir reports whether path names an existing directory.
func IsValidDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsNonEmptyFile reports whether path names a regular file with content.
func IsNonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// ReadDir returns the full paths of the entries in dir, sorted by name.
func ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dir %s", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// EnsureDir creates dir and any missing parents. It is a no-op when dir exists.
func EnsureDir(dir string) error {
	if dir == "" {
		return errors.New("fsutil: empty directory path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create dir %s", dir)
	}
	return nil
}

// Exists stats path and checks its kind.
func Exists(path string, kind Kind) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	switch kind {
	case KindFile:
		if !info.Mode().IsRegular() {
			return errors.Wrapf(ErrKindMismatch, "%s is not a file", path)
		}
	case KindDirectory:
		if !info.IsDir() {
			return errors.Wrapf(ErrKindMismatch, "%s is not a directory", path)
		}
	}
	return nil
}

// IsNotExist reports whether err indicates a missing entry.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
