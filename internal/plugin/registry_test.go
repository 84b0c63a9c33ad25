package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tickler/internal/dispatch"
	"github.com/dshills/tickler/internal/metrics"
)

func newTestRegistry(t *testing.T, loader ModuleLoader, cfg RegistryConfig, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{WithModuleLoader(loader)}, opts...)
	r, err := NewRegistry(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.UnloadAll(context.Background()) })
	return r
}

// gatedLoader blocks each named plugin until its gate is closed.
type gatedLoader struct {
	gates   map[string]chan struct{}
	modules StaticLoader
}

func (g *gatedLoader) LoadModule(ctx context.Context, dir string, m *Manifest) (Module, error) {
	if gate, ok := g.gates[baseName(dir)]; ok {
		<-gate
	}
	return g.modules.LoadModule(ctx, dir, m)
}

func TestRegistry_BarrierWaitsForEveryPlugin(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	a := writePlugin(t, root, "a", nil)
	b := writePlugin(t, root, "b", nil)
	c := writePlugin(t, root, "c", nil)

	gate := make(chan struct{})
	loader := &gatedLoader{
		gates: map[string]chan struct{}{"c": gate},
		modules: StaticLoader{
			"a": hooksWith("a", rec),
			"b": func() (Module, error) { return nil, errors.New("broken module") },
			"c": hooksWith("c", rec),
		},
	}
	r := newTestRegistry(t, loader, RegistryConfig{})

	barrier := r.LoadAll(context.Background(), []string{a, b, c})
	assert.Equal(t, 3, barrier.Len())
	assert.Equal(t, []string{"a", "b", "c"}, r.Names(), "in-flight plugins are listed")

	pa, _ := r.Get("a")
	waitPlugin(t, pa)
	pb, _ := r.Get("b")
	waitPlugin(t, pb)

	select {
	case <-barrier.Done():
		t.Fatal("barrier resolved before c settled")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Nil(t, barrier.Results())

	close(gate)
	results := waitBarrier(t, barrier)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Name)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.ErrorIs(t, results[1].Err, ErrLoad)
	assert.True(t, results[2].OK())

	require.NoError(t, r.Ready(context.Background()))
	assert.Len(t, r.Errors(), 1)
	assert.Contains(t, r.Errors(), "b")
}

func TestRegistry_InsertionOrderNotCompletionOrder(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	var dirs []string
	gates := make(map[string]chan struct{})
	modules := StaticLoader{}
	for _, name := range []string{"a", "b", "c"} {
		dirs = append(dirs, writePlugin(t, root, name, nil))
		gates[name] = make(chan struct{})
		modules[name] = hooksWith(name, rec)
	}
	r := newTestRegistry(t, &gatedLoader{gates: gates, modules: modules}, RegistryConfig{})

	barrier := r.LoadAll(context.Background(), dirs)
	for _, name := range []string{"c", "b", "a"} {
		close(gates[name])
		p, _ := r.Get(name)
		waitPlugin(t, p)
	}
	waitBarrier(t, barrier)

	var order []string
	for _, p := range r.List() {
		order = append(order, p.Name())
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRegistry_ReadyBeforeAnyLoad(t *testing.T) {
	r := newTestRegistry(t, StaticLoader{}, RegistryConfig{})
	assert.NoError(t, r.Ready(context.Background()))
	assert.Zero(t, r.Count())
}

func TestRegistry_ReadyRespectsContext(t *testing.T) {
	root := t.TempDir()
	gate := make(chan struct{})
	defer close(gate)
	dir := writePlugin(t, root, "slow", nil)
	r := newTestRegistry(t, &gatedLoader{
		gates:   map[string]chan struct{}{"slow": gate},
		modules: StaticLoader{"slow": hooksWith("slow", &recorder{})},
	}, RegistryConfig{})

	r.LoadAll(context.Background(), []string{dir})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Ready(ctx), context.DeadlineExceeded)
}

func TestRegistry_RescanDropsRemovedPlugin(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	writePlugin(t, root, "keep", nil)
	gone := writePlugin(t, root, "gone", nil)

	r := newTestRegistry(t, StaticLoader{
		"keep": hooksWith("keep", rec),
		"gone": hooksWith("gone", rec),
	}, RegistryConfig{Paths: []string{root}})

	b, err := r.Scan(context.Background())
	require.NoError(t, err)
	waitBarrier(t, b)
	old, ok := r.Get("gone")
	require.True(t, ok)
	oldKeep, _ := r.Get("keep")

	require.NoError(t, os.RemoveAll(gone))
	b, err = r.Scan(context.Background())
	require.NoError(t, err)
	waitBarrier(t, b)

	_, ok = r.Get("gone")
	assert.False(t, ok)
	assert.Equal(t, []string{"keep"}, r.Names())
	assert.Equal(t, StateUnloaded, old.State())
	assert.Equal(t, StateUnloaded, oldKeep.State(), "the previous generation is unloaded")

	newKeep, _ := r.Get("keep")
	assert.NotEqual(t, oldKeep.ID(), newKeep.ID())
	assert.Equal(t, StateReady, newKeep.State())

	calls := rec.get()
	assert.Contains(t, calls, "unload:gone")
	assert.Contains(t, calls, "unload:keep")
}

func TestRegistry_DuplicateNamesFirstWins(t *testing.T) {
	first := writePlugin(t, t.TempDir(), "dup", nil)
	second := writePlugin(t, t.TempDir(), "dup", nil)

	r := newTestRegistry(t, StaticLoader{"dup": hooksWith("dup", &recorder{})}, RegistryConfig{})
	waitBarrier(t, r.LoadAll(context.Background(), []string{first, second}))

	require.Equal(t, 1, r.Count())
	p, _ := r.Get("dup")
	assert.Equal(t, first, p.Dir())
}

func TestRegistry_ScanCreatesInstallDir(t *testing.T) {
	install := filepath.Join(t.TempDir(), "plugins")
	r := newTestRegistry(t, StaticLoader{}, RegistryConfig{
		Paths:      []string{install},
		InstallDir: install,
	})

	b, err := r.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, waitBarrier(t, b))
	assert.DirExists(t, install)

	dir, err := r.CreatePluginsDirectory()
	require.NoError(t, err)
	assert.Equal(t, install, dir)
}

type evictingLoader struct {
	StaticLoader
	mu      sync.Mutex
	evicted []string
}

func (l *evictingLoader) Evict(root string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evicted = append(l.evicted, root)
	return 1
}

func TestRegistry_ClearCache(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	rec := &recorder{}
	writePlugin(t, rootA, "a", nil)
	writePlugin(t, rootB, "b", nil)

	loader := &evictingLoader{StaticLoader: StaticLoader{
		"a": hooksWith("a", rec),
		"b": hooksWith("b", rec),
	}}
	r := newTestRegistry(t, loader, RegistryConfig{Paths: []string{rootA, rootB}})
	b, err := r.Scan(context.Background())
	require.NoError(t, err)
	waitBarrier(t, b)

	r.ClearCache(context.Background())

	assert.Equal(t, []string{"unload:b", "unload:a"}, rec.get())
	assert.Equal(t, []string{rootA, rootB}, loader.evicted)
	for _, p := range r.List() {
		assert.Equal(t, StateUnloaded, p.State())
	}
}

func TestRegistry_UnloadAllReverseOrder(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	var dirs []string
	modules := StaticLoader{}
	for _, name := range []string{"a", "b", "c"} {
		dirs = append(dirs, writePlugin(t, root, name, nil))
		modules[name] = hooksWith(name, rec)
	}
	r := newTestRegistry(t, modules, RegistryConfig{})
	waitBarrier(t, r.LoadAll(context.Background(), dirs))

	r.UnloadAll(context.Background())
	assert.Equal(t, []string{"unload:c", "unload:b", "unload:a"}, rec.get())
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Names())
}

func TestRegistry_DecorateAndEmit(t *testing.T) {
	root := t.TempDir()
	var apps []string
	var mu sync.Mutex
	appended := func(item string) func() (Module, error) {
		return func() (Module, error) {
			return &Hooks{Handlers: map[ExtensionPoint]HookFunc{
				ExtensionDecorateMenu: func(_ context.Context, args ...any) (any, error) {
					return append(args[0].([]string), item), nil
				},
				ExtensionOnApp: func(_ context.Context, args ...any) (any, error) {
					mu.Lock()
					defer mu.Unlock()
					apps = append(apps, item+":"+args[0].(string))
					return nil, nil
				},
			}}, nil
		}
	}
	modules := StaticLoader{
		"a": appended("A"),
		"b": func() (Module, error) {
			return &Hooks{Handlers: map[ExtensionPoint]HookFunc{
				ExtensionDecorateMenu: func(context.Context, ...any) (any, error) { return nil, errors.New("nope") },
				ExtensionOnApp:        func(context.Context, ...any) (any, error) { panic("crash") },
			}}, nil
		},
		"c": appended("C"),
		"d": func() (Module, error) {
			return &Hooks{Handlers: map[ExtensionPoint]HookFunc{
				ExtensionDecorateMenu: func(context.Context, ...any) (any, error) { return nil, nil },
			}}, nil
		},
	}
	var dirs []string
	for _, name := range []string{"a", "b", "c", "d"} {
		dirs = append(dirs, writePlugin(t, root, name, nil))
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	r := newTestRegistry(t, modules, RegistryConfig{}, WithMetrics(m))
	waitBarrier(t, r.LoadAll(context.Background(), dirs))

	out := r.Decorate(context.Background(), ExtensionDecorateMenu, []string{"File"})
	assert.Equal(t, []string{"File", "A", "C"}, out)

	assert.Equal(t, "untouched", r.Decorate(context.Background(), ExtensionOnApp, "untouched"))

	n := r.Emit(context.Background(), ExtensionOnApp, "main")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"A:main", "C:main"}, apps)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailuresTotal.WithLabelValues("b", "decorateMenu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HookFailuresTotal.WithLabelValues("b", "onApp")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("ready", "")))
}

func TestRegistry_Events(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "a", nil)
	bad := writePlugin(t, root, "bad", map[string]string{ManifestJSON: `{"name": "bad"}`})

	r := newTestRegistry(t, StaticLoader{"a": hooksWith("a", &recorder{})}, RegistryConfig{})

	var mu sync.Mutex
	seen := make(map[string][]EventType)
	unsubscribe := r.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Plugin] = append(seen[e.Plugin], e.Type)
	})
	r.Subscribe(func(Event) { panic("handler bug") })
	r.Subscribe(nil)()

	waitBarrier(t, r.LoadAll(context.Background(), []string{dir, bad}))

	mu.Lock()
	assert.Equal(t, []EventType{EventRegistered, EventReady}, seen["a"])
	assert.Equal(t, []EventType{EventRegistered, EventFailed}, seen["bad"])
	mu.Unlock()

	unsubscribe()
	r.UnloadAll(context.Background())
	mu.Lock()
	assert.Len(t, seen["a"], 2)
	mu.Unlock()
}

func TestRegistry_HandlerCallsBackIntoRegistry(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "a", nil)
	r := newTestRegistry(t, StaticLoader{"a": hooksWith("a", &recorder{})}, RegistryConfig{})

	counts := make(chan int, 4)
	seen := make(chan *Plugin, 4)
	r.Subscribe(func(e Event) {
		if e.Type != EventRegistered {
			return
		}
		counts <- r.Count()
		if p, ok := r.Get(e.Plugin); ok {
			seen <- p
		}
		r.LoadAll(context.Background(), nil)
	})

	done := make(chan *Barrier, 1)
	go func() { done <- r.LoadAll(context.Background(), []string{dir}) }()

	select {
	case b := <-done:
		waitBarrier(t, b)
	case <-time.After(5 * time.Second):
		t.Fatal("LoadAll deadlocked on a handler that reloads the registry")
	}
	assert.Equal(t, 1, <-counts)
	assert.Equal(t, 0, r.Count())

	p := <-seen
	assert.Eventually(t, func() bool { return p.State() == StateUnloaded },
		2*time.Second, 10*time.Millisecond)
}

func TestRegistry_MiddlewareSkipsUnloaded(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	var dirs []string
	modules := StaticLoader{}
	for _, name := range []string{"a", "b"} {
		dirs = append(dirs, writePlugin(t, root, name, nil))
		modules[name] = hooksWith(name, rec)
	}
	r := newTestRegistry(t, modules, RegistryConfig{})
	waitBarrier(t, r.LoadAll(context.Background(), dirs))

	pa, _ := r.Get("a")
	pa.Unload(context.Background())

	next := dispatch.Func(terminal)
	list := r.List()
	for i := len(list) - 1; i >= 0; i-- {
		next = list[i].Middleware(nil)(next)
	}
	next(context.Background(), dispatch.Action{Type: "x"})
	assert.Equal(t, []string{"unload:a", "b"}, rec.get())
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "registered", EventRegistered.String())
	assert.Equal(t, "ready", EventReady.String())
	assert.Equal(t, "failed", EventFailed.String())
	assert.Equal(t, "unloaded", EventUnloaded.String())
	assert.Equal(t, "unknown", EventType(42).String())
}
