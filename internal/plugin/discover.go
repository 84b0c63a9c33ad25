package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dshills/tickler/internal/fsutil"
)

// Discover returns the plugin directories directly under each root, in root
// order and then name order. Hidden entries and non-directories are
// skipped, as are roots that do not exist. Each root that exists but cannot
// be read adds a KindDiscovery *Error to the returned error; the other
// roots are still scanned.
func Discover(roots ...string) ([]string, error) {
	var (
		dirs []string
		errs []error
		seen = make(map[string]bool)
	)

	for _, root := range roots {
		if root == "" {
			continue
		}
		root = filepath.Clean(root)

		info, err := os.Stat(root)
		if err != nil {
			if !fsutil.IsNotExist(err) {
				errs = append(errs, newError(KindDiscovery, "", root, err))
			}
			continue
		}
		if !info.IsDir() {
			errs = append(errs, newError(KindDiscovery, "", root, errors.New("not a directory")))
			continue
		}

		entries, err := fsutil.ReadDir(root)
		if err != nil {
			errs = append(errs, newError(KindDiscovery, "", root, err))
			continue
		}

		for _, entry := range entries {
			if strings.HasPrefix(filepath.Base(entry), ".") || !fsutil.IsValidDir(entry) {
				continue
			}
			key := entry
			if abs, err := filepath.Abs(entry); err == nil {
				key = abs
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			dirs = append(dirs, entry)
		}
	}

	return dirs, errors.Join(errs...)
}
