package plugin

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period Watch waits for before rescanning.
const DefaultDebounce = 500 * time.Millisecond

// ErrNothingToWatch is returned by Watch when no search root exists.
var ErrNothingToWatch = errors.New("no plugin search path exists")

// Watch rescans whenever an entry directly under a search root is created,
// removed or renamed, until ctx is done. Bursts of changes are coalesced
// into one Scan after debounce of quiet. Changes inside a plugin directory
// are ignored.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()

	watched := 0
	for _, root := range r.cfg.Paths {
		if err := w.Add(root); err != nil {
			r.log.Debugw("search path not watched", "path", root, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		return ErrNothingToWatch
	}
	r.log.Infow("watching plugin paths", "count", watched)

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !r.isRootChange(event) {
				continue
			}
			r.log.Debugw("plugin path changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(debounce)

		case <-timer.C:
			if _, err := r.Scan(ctx); err != nil {
				r.log.Errorw("rescan failed", "error", err)
				continue
			}
			r.log.Infow("plugins rescanned", "count", r.Count())

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warnw("watcher error", "error", err)
		}
	}
}

func (r *Registry) isRootChange(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	parent := filepath.Clean(filepath.Dir(event.Name))
	for _, root := range r.cfg.Paths {
		if filepath.Clean(root) == parent {
			return true
		}
	}
	return false
}
