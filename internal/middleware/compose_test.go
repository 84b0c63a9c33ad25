package middleware

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tickler/internal/dispatch"
	"github.com/dshills/tickler/internal/metrics"
	"github.com/dshills/tickler/internal/plugin"
)

type actionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *actionLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *actionLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func appendName(name string, log *actionLog) func() (plugin.Module, error) {
	return func() (plugin.Module, error) {
		return &plugin.Hooks{Middleware: func(dispatch.Store) dispatch.Interceptor {
			return func(next dispatch.Func) dispatch.Func {
				return func(ctx context.Context, a dispatch.Action) any {
					log.add(name)
					return next(ctx, a)
				}
			}
		}}, nil
	}
}

func mkPlugin(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestJSON),
		[]byte(`{"name": "`+name+`", "version": "1.0.0"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.PackageFile),
		[]byte(`{"name": "`+name+`"}`), 0o644))
	return dir
}

func newRegistry(t *testing.T, root string, loader plugin.StaticLoader) *plugin.Registry {
	t.Helper()
	r, err := plugin.NewRegistry(plugin.RegistryConfig{Paths: []string{root}, InstallDir: root}, plugin.WithModuleLoader(loader))
	require.NoError(t, err)
	t.Cleanup(func() { r.UnloadAll(context.Background()) })
	return r
}

func scan(t *testing.T, r *plugin.Registry) {
	t.Helper()
	_, err := r.Scan(context.Background())
	require.NoError(t, err)
}

func reducer(state any, a dispatch.Action) any {
	n, _ := state.(int)
	return n + 1
}

func TestCompose_Order(t *testing.T) {
	root := t.TempDir()
	log := &actionLog{}
	for _, name := range []string{"a", "b", "c"} {
		mkPlugin(t, root, name)
	}
	r := newRegistry(t, root, plugin.StaticLoader{
		"a": appendName("A", log),
		"b": appendName("B", log),
		"c": appendName("C", log),
	})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	out := store.Dispatch(context.Background(), dispatch.Action{Type: "play"})

	assert.Equal(t, []string{"A", "B", "C"}, log.get())
	assert.Equal(t, dispatch.Action{Type: "play"}, out)
	assert.Equal(t, 1, store.GetState())
}

func TestCompose_ShortCircuit(t *testing.T) {
	root := t.TempDir()
	log := &actionLog{}
	for _, name := range []string{"a", "b", "c"} {
		mkPlugin(t, root, name)
	}
	r := newRegistry(t, root, plugin.StaticLoader{
		"a": appendName("A", log),
		"b": func() (plugin.Module, error) {
			return &plugin.Hooks{Middleware: func(dispatch.Store) dispatch.Interceptor {
				return func(next dispatch.Func) dispatch.Func {
					return func(ctx context.Context, a dispatch.Action) any {
						log.add("B")
						if a.Type == "secret" {
							return "swallowed"
						}
						return next(ctx, a)
					}
				}
			}}, nil
		},
		"c": appendName("C", log),
	})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	assert.Equal(t, "swallowed", store.Dispatch(context.Background(), dispatch.Action{Type: "secret"}))
	assert.Equal(t, []string{"A", "B"}, log.get())
	assert.Equal(t, 0, store.GetState(), "short-circuited action must not reach the reducer")
}

func TestCompose_FailingPluginExcluded(t *testing.T) {
	root := t.TempDir()
	log := &actionLog{}
	for _, name := range []string{"a", "broken", "c"} {
		mkPlugin(t, root, name)
	}
	r := newRegistry(t, root, plugin.StaticLoader{
		"a": appendName("A", log),
		"c": appendName("C", log),
	})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	store.Dispatch(context.Background(), dispatch.Action{Type: "x"})

	assert.Equal(t, []string{"A", "C"}, log.get())
	p, _ := r.Get("broken")
	assert.Equal(t, plugin.StateFailed, p.State())
}

func TestCompose_RuntimeFailureIsFailOpen(t *testing.T) {
	root := t.TempDir()
	log := &actionLog{}
	var panics atomic.Int32
	for _, name := range []string{"a", "flaky", "c"} {
		mkPlugin(t, root, name)
	}
	r := newRegistry(t, root, plugin.StaticLoader{
		"a": appendName("A", log),
		"flaky": func() (plugin.Module, error) {
			return &plugin.Hooks{Middleware: func(dispatch.Store) dispatch.Interceptor {
				return func(dispatch.Func) dispatch.Func {
					return func(context.Context, dispatch.Action) any {
						panics.Add(1)
						panic("boom")
					}
				}
			}}, nil
		},
		"c": appendName("C", log),
	})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	store.Dispatch(context.Background(), dispatch.Action{Type: "one"})
	store.Dispatch(context.Background(), dispatch.Action{Type: "two"})

	assert.Equal(t, []string{"A", "C", "A", "C"}, log.get())
	assert.Equal(t, int32(1), panics.Load())
	assert.Equal(t, 2, store.GetState())
}

func TestCompose_NoPlugins(t *testing.T) {
	r := newRegistry(t, t.TempDir(), plugin.StaticLoader{})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	a := dispatch.Action{Type: "x", Payload: map[string]any{"k": "v"}}
	assert.Equal(t, a, store.Dispatch(context.Background(), a))
	assert.Equal(t, 1, store.GetState())
}

func TestCompose_SeesLaterLoadCycles(t *testing.T) {
	root := t.TempDir()
	log := &actionLog{}
	mkPlugin(t, root, "a")
	r := newRegistry(t, root, plugin.StaticLoader{
		"a": appendName("A", log),
		"b": appendName("B", log),
	})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	store.Dispatch(context.Background(), dispatch.Action{Type: "x"})

	mkPlugin(t, root, "b")
	scan(t, r)
	require.NoError(t, r.Ready(context.Background()))
	store.Dispatch(context.Background(), dispatch.Action{Type: "x"})

	require.NoError(t, os.RemoveAll(filepath.Join(root, "a")))
	scan(t, r)
	require.NoError(t, r.Ready(context.Background()))
	store.Dispatch(context.Background(), dispatch.Action{Type: "x"})

	assert.Equal(t, []string{"A", "A", "B", "B"}, log.get())
}

type fakeSource struct {
	release chan struct{}
	waits   atomic.Int32
	plugins []*plugin.Plugin
}

func (s *fakeSource) Ready(ctx context.Context) error {
	s.waits.Add(1)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSource) List() []*plugin.Plugin {
	return s.plugins
}

func TestCompose_WaitsForReadinessOnce(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	fn := Compose(src)(nil)(func(context.Context, dispatch.Action) any { return "next" })

	done := make(chan any, 1)
	go func() { done <- fn(context.Background(), dispatch.Action{Type: "x"}) }()

	select {
	case <-done:
		t.Fatal("dispatch returned before the source was ready")
	case <-time.After(30 * time.Millisecond):
	}

	close(src.release)
	assert.Equal(t, "next", <-done)

	for i := 0; i < 3; i++ {
		fn(context.Background(), dispatch.Action{Type: "x"})
	}
	assert.Equal(t, int32(1), src.waits.Load())
}

func TestCompose_ReadyTimeout(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	fn := Compose(src, WithReadyTimeout(20*time.Millisecond))(nil)(
		func(context.Context, dispatch.Action) any { return "next" })

	start := time.Now()
	assert.Equal(t, "next", fn(context.Background(), dispatch.Action{Type: "x"}))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "next", fn(context.Background(), dispatch.Action{Type: "x"}))
	assert.Equal(t, int32(1), src.waits.Load())
}

func TestCompose_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	r := newRegistry(t, t.TempDir(), plugin.StaticLoader{})
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r, WithMetrics(m)))
	store.Dispatch(context.Background(), dispatch.Action{Type: "x"})
	store.Dispatch(context.Background(), dispatch.Action{Type: "y"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchTotal))
}

const passThroughLua = `
local M = {}

function M.middleware(store)
  return function(nextFn)
    return function(action)
      return nextFn(action)
    end
  end
end

return M
`

func TestCompose_GoPluginRedispatchesThroughLua(t *testing.T) {
	root := t.TempDir()
	a := mkPlugin(t, root, "a")
	require.NoError(t, os.WriteFile(filepath.Join(a, plugin.DefaultMain), []byte(passThroughLua), 0o644))
	mkPlugin(t, root, "b")

	lua, err := plugin.NewLuaLoader(plugin.LuaLoaderConfig{CallTimeout: 2 * time.Second})
	require.NoError(t, err)
	loader := plugin.ModuleLoaderFunc(func(ctx context.Context, dir string, m *plugin.Manifest) (plugin.Module, error) {
		if filepath.Base(dir) != "b" {
			return lua.LoadModule(ctx, dir, m)
		}
		return &plugin.Hooks{Middleware: func(s dispatch.Store) dispatch.Interceptor {
			return func(next dispatch.Func) dispatch.Func {
				return func(ctx context.Context, act dispatch.Action) any {
					if act.Type == "first" {
						s.Dispatch(ctx, dispatch.Action{Type: "second"})
					}
					return next(ctx, act)
				}
			}
		}}, nil
	})

	r, err := plugin.NewRegistry(plugin.RegistryConfig{Paths: []string{root}, InstallDir: root}, plugin.WithModuleLoader(loader))
	require.NoError(t, err)
	t.Cleanup(func() { r.UnloadAll(context.Background()) })
	scan(t, r)

	store := dispatch.NewStore(reducer, 0, Compose(r))
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Dispatch(context.Background(), dispatch.Action{Type: "first"})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch from a Go plugin behind a Lua plugin deadlocked")
	}
	assert.Equal(t, 2, store.GetState())
	p, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, plugin.StateReady, p.State())
}
