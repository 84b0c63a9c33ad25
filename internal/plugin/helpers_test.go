package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/tickler/internal/dispatch"
)

const testPackageJSON = `{"name": "fixture", "version": "1.0.0", "description": "fixture plugin"}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// writePlugin creates root/name with a valid manifest and package.json, plus
// any extra files. A "plugin.json" entry in files replaces the manifest.
func writePlugin(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	all := map[string]string{
		ManifestJSON: `{"name": "` + name + `", "version": "1.0.0"}`,
		PackageFile:  testPackageJSON,
	}
	for k, v := range files {
		all[k] = v
	}
	for rel, content := range all {
		if content == "" {
			continue
		}
		writeFile(t, filepath.Join(dir, rel), content)
	}
	return dir
}

func waitBarrier(t *testing.T, b *Barrier) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := b.Wait(ctx)
	require.NoError(t, err)
	return results
}

func waitPlugin(t *testing.T, p *Plugin) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	require.NoError(t, err)
	return res
}

// recorder collects names in call order across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func loggingMiddleware(name string, rec *recorder) dispatch.Middleware {
	return func(dispatch.Store) dispatch.Interceptor {
		return func(next dispatch.Func) dispatch.Func {
			return func(ctx context.Context, a dispatch.Action) any {
				rec.add(name)
				return next(ctx, a)
			}
		}
	}
}

// hooksWith returns a module factory with a logging middleware and an
// onUnload hook that records "unload:<name>".
func hooksWith(name string, rec *recorder) func() (Module, error) {
	return func() (Module, error) {
		return &Hooks{
			Middleware: loggingMiddleware(name, rec),
			Handlers: map[ExtensionPoint]HookFunc{
				ExtensionOnUnload: func(context.Context, ...any) (any, error) {
					rec.add("unload:" + name)
					return nil, nil
				},
			},
		}, nil
	}
}

func terminal(ctx context.Context, a dispatch.Action) any {
	return "done:" + a.Type
}
