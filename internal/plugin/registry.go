package plugin

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dshills/tickler/internal/fsutil"
	"github.com/dshills/tickler/internal/logging"
	"github.com/dshills/tickler/internal/metrics"
	"github.com/dshills/tickler/internal/plugin/schema"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Paths are the search roots scanned by Scan.
	Paths []string

	// InstallDir is created by CreatePluginsDirectory when nothing is found.
	// Empty uses the plugins directory under user data.
	InstallDir string

	// HostVersion is matched against each manifest's engine constraint.
	HostVersion string

	// CacheSize and CallTimeout configure the default Lua loader.
	CacheSize   int
	CallTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

// WithMetrics records registry activity in m.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithValidator replaces the manifest validator.
func WithValidator(v *schema.Validator) RegistryOption {
	return func(r *Registry) {
		r.validator = v
	}
}

// WithModuleLoader replaces the Lua loader.
func WithModuleLoader(l ModuleLoader) RegistryOption {
	return func(r *Registry) {
		r.loader = l
	}
}

// table is one immutable generation of the registry contents.
type table struct {
	order  []*Plugin
	byName map[string]*Plugin
}

var emptyTable = &table{byName: map[string]*Plugin{}}

// Registry discovers, loads and tracks plugins. Readers see an immutable
// snapshot of the table; each load cycle publishes a new one in a single swap.
type Registry struct {
	cfg       RegistryConfig
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics
	validator *schema.Validator
	loader    ModuleLoader

	// mu serializes writers. Readers only load table.
	mu      sync.Mutex
	table   atomic.Pointer[table]
	barrier atomic.Pointer[Barrier]

	events eventBus
}

// NewRegistry creates a registry. Without WithModuleLoader plugins are
// loaded as Lua modules.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log).Named("registry")

	if r.validator == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, errors.Wrap(err, "compile plugin schema")
		}
		r.validator = v
	}

	if r.loader == nil {
		l, err := NewLuaLoader(LuaLoaderConfig{
			CacheSize:   cfg.CacheSize,
			CallTimeout: cfg.CallTimeout,
			Logger:      r.log,
			Metrics:     r.metrics,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create lua loader")
		}
		r.loader = l
	}

	r.table.Store(emptyTable)
	r.barrier.Store(newBarrier(nil))
	return r, nil
}

// Subscribe adds an event handler and returns a function that removes it.
func (r *Registry) Subscribe(handler EventHandler) func() {
	return r.events.subscribe(handler)
}

func (r *Registry) handleEvent(e Event) {
	r.updateGauge()
	r.events.emit(e)
}

func (r *Registry) updateGauge() {
	if r.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, p := range r.table.Load().order {
		counts[p.State().String()]++
	}
	r.metrics.SetRegistered(counts)
}

// Paths returns the configured search roots.
func (r *Registry) Paths() []string {
	return append([]string(nil), r.cfg.Paths...)
}

// Discover lists candidate plugin directories under the configured roots.
// Unreadable roots are logged and skipped; the returned error is informational.
func (r *Registry) Discover() ([]string, error) {
	dirs, err := Discover(r.cfg.Paths...)
	if err != nil {
		for _, e := range flatten(err) {
			r.metrics.IncDiscoveryError()
			r.log.Warnw("plugin path skipped", "error", e)
		}
	}
	r.log.Debugw("discovered plugin directories", "roots", r.cfg.Paths, "count", len(dirs))
	return dirs, err
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// LoadAll starts loading one plugin per directory, in parallel, and replaces
// the registry contents with the new plugins in Loading state. Directories
// whose base name was already seen in dirs are skipped. Plugins of the
// previous cycle are unloaded. The returned barrier resolves once every new
// plugin has settled. Events are delivered after the table is published, so
// handlers may call back into the registry.
func (r *Registry) LoadAll(ctx context.Context, dirs []string) *Barrier {
	opts := LoadOptions{
		Validator:   r.validator,
		Loader:      r.loader,
		HostVersion: r.cfg.HostVersion,
		Logger:      r.log,
		Metrics:     r.metrics,
		OnEvent:     r.handleEvent,
	}

	r.mu.Lock()
	next := &table{byName: make(map[string]*Plugin, len(dirs))}
	for _, dir := range dirs {
		name := baseName(dir)
		if prior, dup := next.byName[name]; dup {
			r.log.Warnw("duplicate plugin name skipped", "plugin", name, "dir", dir, "kept", prior.Dir())
			continue
		}
		p := newPlugin(dir, opts)
		next.order = append(next.order, p)
		next.byName[name] = p
	}
	prev := r.table.Swap(next)
	b := newBarrier(next.order)
	r.barrier.Store(b)
	r.mu.Unlock()

	for _, p := range next.order {
		p.start(ctx)
	}
	r.updateGauge()
	r.log.Infow("loading plugins", "count", len(next.order))

	unloadReverse(ctx, prev.order)
	return b
}

func unloadReverse(ctx context.Context, plugins []*Plugin) {
	for i := len(plugins) - 1; i >= 0; i-- {
		plugins[i].Unload(ctx)
	}
}

// Scan discovers the configured roots and loads what it finds. When nothing
// is found the install directory is created.
func (r *Registry) Scan(ctx context.Context) (*Barrier, error) {
	r.metrics.IncScan()
	dirs, _ := r.Discover()
	if len(dirs) == 0 {
		if _, err := r.CreatePluginsDirectory(); err != nil {
			return r.LoadAll(ctx, nil), err
		}
	}
	return r.LoadAll(ctx, dirs), nil
}

// Ready waits for the latest load cycle to settle.
func (r *Registry) Ready(ctx context.Context) error {
	_, err := r.barrier.Load().Wait(ctx)
	return err
}

// Barrier returns the latest load cycle's barrier.
func (r *Registry) Barrier() *Barrier {
	return r.barrier.Load()
}

// InstallDir returns the directory CreatePluginsDirectory provisions.
func (r *Registry) InstallDir() string {
	if r.cfg.InstallDir != "" {
		return r.cfg.InstallDir
	}
	dirs := fsutil.DefaultPluginDirs()
	if len(dirs) == 0 {
		return ""
	}
	return dirs[len(dirs)-1]
}

// CreatePluginsDirectory creates the install directory if it is missing.
func (r *Registry) CreatePluginsDirectory() (string, error) {
	dir := r.InstallDir()
	if dir == "" {
		return "", errors.New("no plugins install directory could be determined")
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return "", err
	}
	r.log.Debugw("plugins directory ready", "dir", dir)
	return dir, nil
}

// ClearCache unloads every plugin and evicts the loader's cached modules
// under each search root. Entries stay in the table as Unloaded until the
// next load cycle.
func (r *Registry) ClearCache(ctx context.Context) {
	unloadReverse(ctx, r.table.Load().order)

	ev, ok := r.loader.(CacheEvicter)
	if !ok {
		return
	}
	evicted := 0
	for _, root := range r.cfg.Paths {
		evicted += ev.Evict(root)
	}
	r.log.Debugw("module cache cleared", "evicted", evicted)
}

// UnloadAll unloads every plugin in reverse registration order and empties
// the table.
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.Lock()
	prev := r.table.Swap(emptyTable)
	r.mu.Unlock()

	unloadReverse(ctx, prev.order)
	r.updateGauge()
	r.log.Infow("plugins unloaded", "count", len(prev.order))
}

// Get returns the plugin registered as name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.table.Load().byName[name]
	return p, ok
}

// List returns the plugins in registration order, in any state.
func (r *Registry) List() []*Plugin {
	order := r.table.Load().order
	out := make([]*Plugin, len(order))
	copy(out, order)
	return out
}

// Names returns the plugin names in registration order.
func (r *Registry) Names() []string {
	order := r.table.Load().order
	names := make([]string, len(order))
	for i, p := range order {
		names[i] = p.Name()
	}
	return names
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	return len(r.table.Load().order)
}

// Errors returns the failure of every Failed plugin by name.
func (r *Registry) Errors() map[string]error {
	errs := make(map[string]error)
	for _, p := range r.table.Load().order {
		if p.State() == StateFailed {
			errs[p.Name()] = p.Err()
		}
	}
	return errs
}

// Decorate threads value through the point hook of every Ready plugin in
// registration order. A hook returning nil leaves the value unchanged; a
// failing hook is logged and skipped.
func (r *Registry) Decorate(ctx context.Context, point ExtensionPoint, value any) any {
	if !point.IsDecorator() {
		return value
	}
	for _, p := range r.table.Load().order {
		if !p.Has(point) {
			continue
		}
		out, err := p.Invoke(ctx, point, value)
		if err != nil {
			r.hookFailed(p, point, err)
			continue
		}
		if out != nil {
			value = out
		}
	}
	return value
}

// Emit calls the point hook of every Ready plugin in registration order.
// Failures are logged and do not stop the others.
func (r *Registry) Emit(ctx context.Context, point ExtensionPoint, args ...any) int {
	called := 0
	for _, p := range r.table.Load().order {
		if !p.Has(point) {
			continue
		}
		if _, err := p.Invoke(ctx, point, args...); err != nil {
			r.hookFailed(p, point, err)
			continue
		}
		called++
	}
	return called
}

func (r *Registry) hookFailed(p *Plugin, point ExtensionPoint, err error) {
	r.metrics.IncHookFailure(p.Name(), string(point))
	r.log.Warnw("plugin hook failed", "plugin", p.Name(), "point", point, "error", err)
}
