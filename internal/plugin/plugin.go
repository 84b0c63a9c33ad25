package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/tickler/internal/dispatch"
	"github.com/dshills/tickler/internal/fsutil"
	"github.com/dshills/tickler/internal/logging"
	"github.com/dshills/tickler/internal/metrics"
	"github.com/dshills/tickler/internal/plugin/schema"
)

// LoadOptions carries the collaborators a Plugin needs while loading.
type LoadOptions struct {
	// Validator checks the manifest. Nil uses a validator with the plugin schema.
	Validator *schema.Validator

	// Loader instantiates the module. Required.
	Loader ModuleLoader

	// HostVersion is checked against the manifest's engine constraint.
	HostVersion string

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics

	// OnEvent receives the plugin's state changes.
	OnEvent EventHandler
}

// Result is the settled outcome of one plugin load. Err is nil when the
// plugin became Ready.
type Result struct {
	Name   string
	Plugin *Plugin
	Err    error
}

// OK reports whether the plugin loaded successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

// Plugin is one discovered extension and its loaded module.
//
// A Plugin settles exactly once: Done is closed when loading reaches
// Ready or Failed, whatever the cause.
type Plugin struct {
	id   string
	dir  string
	name string

	validator   *schema.Validator
	loader      ModuleLoader
	hostVersion string
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics
	onEvent     EventHandler

	done chan struct{}

	mu              sync.RWMutex
	state           State
	err             error
	manifest        *Manifest
	pkg             *PackageDescriptor
	module          Module
	exports         ExtensionSet
	unloadRequested bool
}

// Load starts loading the plugin in dir and returns immediately. Failures
// are recorded in the plugin's state. ctx is used for values only; the
// load is never cancelled.
func Load(ctx context.Context, dir string, opts LoadOptions) *Plugin {
	p := newPlugin(dir, opts)
	p.start(ctx)
	return p
}

func newPlugin(dir string, opts LoadOptions) *Plugin {
	name := baseName(dir)
	return &Plugin{
		id:          uuid.NewString(),
		dir:         dir,
		name:        name,
		validator:   opts.Validator,
		loader:      opts.Loader,
		hostVersion: opts.HostVersion,
		log:         logging.OrNop(opts.Logger).Named("plugin").With("plugin", name),
		metrics:     opts.Metrics,
		onEvent:     opts.OnEvent,
		done:        make(chan struct{}),
		state:       StateLoading,
	}
}

// start announces the plugin and begins loading it. Registered is always
// emitted before the settling event.
func (p *Plugin) start(ctx context.Context) {
	p.emit(Event{Type: EventRegistered})
	go p.run(context.WithoutCancel(ctx))
}

func baseName(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

func (p *Plugin) run(ctx context.Context) {
	start := time.Now()
	var ld loaded

	func() {
		defer func() {
			if r := recover(); r != nil {
				ld.err = p.newError(KindLoad, errors.Newf("panic during load: %v", r))
			}
		}()
		ld = p.load(ctx)
	}()

	p.settle(ctx, ld, time.Since(start))
}

type loaded struct {
	manifest *Manifest
	pkg      *PackageDescriptor
	module   Module
	exports  ExtensionSet
	err      error
}

func (p *Plugin) load(ctx context.Context) loaded {
	var ld loaded

	manifestPath, hasManifest := FindManifest(p.dir)
	pkgPath := filepath.Join(p.dir, PackageFile)
	hasPkg := fsutil.IsNonEmptyFile(pkgPath)

	if hasManifest {
		v := p.validator
		if v == nil {
			var err error
			if v, err = schema.NewValidator(); err != nil {
				ld.err = p.newError(KindValidation, err)
				return ld
			}
		}
		m, err := LoadManifest(v, manifestPath)
		if err != nil {
			ld.err = p.newError(KindValidation, err)
			return ld
		}
		ld.manifest = m
	}

	if hasPkg {
		pkg, err := ReadPackage(pkgPath)
		if err != nil {
			ld.err = p.newError(KindValidation, err)
			return ld
		}
		ld.pkg = pkg
	}

	if !hasManifest || !hasPkg {
		var missing []string
		if !hasManifest {
			missing = append(missing, ManifestJSON)
		}
		if !hasPkg {
			missing = append(missing, PackageFile)
		}
		ld.err = p.newError(KindValidation, errors.Wrapf(ErrIncomplete, "missing %v", missing))
		return ld
	}

	if err := ld.manifest.CheckEngine(p.hostVersion); err != nil {
		ld.err = p.newError(KindValidation, err)
		return ld
	}

	if p.loader == nil {
		ld.err = p.newError(KindLoad, errors.New("no module loader configured"))
		return ld
	}

	mod, err := p.loadModule(ctx, ld.manifest)
	if err != nil {
		ld.err = p.newError(KindLoad, err)
		return ld
	}

	exports := mod.Exports()
	if exports.IsEmpty() {
		if cerr := mod.Close(); cerr != nil {
			p.log.Warnw("close rejected module", "error", cerr)
		}
		ld.err = p.newError(KindNotAPlugin, errors.Newf("%s exports none of the extension points", ld.manifest.EntryPath(p.dir)))
		return ld
	}

	if declared := ld.manifest.DeclaredExtensions(); declared&^exports != 0 {
		p.log.Warnw("declared capabilities not exported",
			"declared", declared.String(), "exported", exports.String())
	}

	ld.module = mod
	ld.exports = exports
	return ld
}

func (p *Plugin) loadModule(ctx context.Context, m *Manifest) (mod Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			mod, err = nil, errors.Newf("module loader panicked: %v", r)
		}
	}()

	mod, err = p.loader.LoadModule(ctx, p.dir, m)
	if err == nil && mod == nil {
		err = errors.New("module loader returned no module")
	}
	return mod, err
}

func (p *Plugin) settle(ctx context.Context, ld loaded, elapsed time.Duration) {
	p.mu.Lock()
	p.manifest = ld.manifest
	p.pkg = ld.pkg
	if ld.err != nil {
		p.state = StateFailed
		p.err = ld.err
	} else {
		p.state = StateReady
		p.module = ld.module
		p.exports = ld.exports
	}
	p.mu.Unlock()

	if ld.err != nil {
		kind, _ := KindOf(ld.err)
		p.metrics.ObserveLoad("failed", kind.String(), elapsed)
		p.log.Warnw("plugin failed", "kind", kind.String(), "error", ld.err)
		p.emit(Event{Type: EventFailed, Err: ld.err})
	} else {
		p.metrics.ObserveLoad("ready", "", elapsed)
		p.log.Infow("plugin ready", "version", ld.manifest.Version,
			"exports", ld.exports.String(), "duration", elapsed)
		p.emit(Event{Type: EventReady})
	}

	// Unload checks done under mu, so a request made before the close is
	// always seen here.
	p.mu.Lock()
	close(p.done)
	deferredUnload := p.unloadRequested
	p.mu.Unlock()

	if deferredUnload {
		p.Unload(ctx)
	}
}

func (p *Plugin) newError(kind Kind, err error) *Error {
	return newError(kind, p.name, p.dir, err)
}

func (p *Plugin) emit(e Event) {
	if p.onEvent == nil {
		return
	}
	e.Plugin = p.name
	e.ID = p.id
	p.onEvent(e)
}

// ID returns the plugin's unique instance id.
func (p *Plugin) ID() string {
	return p.id
}

// Name returns the plugin name, the base name of its directory.
func (p *Plugin) Name() string {
	return p.name
}

// Dir returns the plugin directory.
func (p *Plugin) Dir() string {
	return p.dir
}

// Done returns a channel closed once loading has settled.
func (p *Plugin) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until loading settles or ctx is done.
func (p *Plugin) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the load outcome. It is only meaningful after Done is closed.
func (p *Plugin) Result() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Result{Name: p.name, Plugin: p, Err: p.err}
}

// State returns the current state.
func (p *Plugin) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Err returns the failure cause, or nil.
func (p *Plugin) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// Manifest returns a copy of the validated manifest, or nil.
func (p *Plugin) Manifest() *Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.manifest.Clone()
}

// Package returns the package descriptor, or nil.
func (p *Plugin) Package() *PackageDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pkg == nil {
		return nil
	}
	c := *p.pkg
	return &c
}

// Exports returns the extension points of the loaded module.
func (p *Plugin) Exports() ExtensionSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exports
}

// Has reports whether the plugin is Ready and exports point.
func (p *Plugin) Has(point ExtensionPoint) bool {
	_, ok := p.usable(point)
	return ok
}

func (p *Plugin) usable(point ExtensionPoint) (Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.IsUsable() || p.module == nil || !p.exports.Has(point) {
		return nil, false
	}
	return p.module, true
}

// Middleware returns the plugin's interceptor for store. The interceptor
// forwards unchanged when the plugin is not Ready or has no middleware.
//
// If the module fails while handling an action the plugin is marked Failed
// and the action is forwarded, unless the module already called next.
func (p *Plugin) Middleware(store dispatch.Store) dispatch.Interceptor {
	return func(next dispatch.Func) dispatch.Func {
		return func(ctx context.Context, action dispatch.Action) any {
			mod, ok := p.usable(ExtensionMiddleware)
			if !ok {
				return next(ctx, action)
			}

			var (
				forwarded  bool
				nextResult any
				downstream any
				panicked   bool
			)
			guarded := func(ctx context.Context, a dispatch.Action) any {
				forwarded = true
				defer func() {
					if r := recover(); r != nil {
						downstream, panicked = r, true
						panic(r)
					}
				}()
				nextResult = next(ctx, a)
				return nextResult
			}

			result, err := p.intercept(ctx, mod, store, guarded, action)
			if panicked {
				// The failure is not the plugin's.
				panic(downstream)
			}
			if err == nil {
				return result
			}

			p.fail(errors.Wrapf(err, "middleware for %q", action.Type))
			if forwarded {
				return nextResult
			}
			return next(ctx, action)
		}
	}
}

func (p *Plugin) intercept(ctx context.Context, mod Module, store dispatch.Store, next dispatch.Func, action dispatch.Action) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, errors.Newf("panic: %v", r)
		}
	}()
	return mod.Intercept(ctx, store, next, action)
}

// fail marks a Ready plugin Failed after a runtime error.
func (p *Plugin) fail(err error) {
	perr := p.newError(KindLoad, err)

	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return
	}
	p.state = StateFailed
	p.err = perr
	p.mu.Unlock()

	p.metrics.IncInterceptFailure(p.name)
	p.log.Errorw("plugin failed at runtime", "error", err)
	p.emit(Event{Type: EventFailed, Err: perr})
}

// Invoke calls a lifecycle or decorate hook. The plugin must be Ready.
func (p *Plugin) Invoke(ctx context.Context, point ExtensionPoint, args ...any) (any, error) {
	p.mu.RLock()
	mod, state, exports := p.module, p.state, p.exports
	p.mu.RUnlock()

	if !state.IsUsable() || mod == nil {
		return nil, errors.Wrapf(ErrNotReady, "%s is %s", p.name, state)
	}
	if !exports.Has(point) {
		return nil, errors.Wrapf(ErrNoExtension, "%s: %s", p.name, point)
	}
	return invokeHook(ctx, mod, point, args...)
}

func invokeHook(ctx context.Context, mod Module, point ExtensionPoint, args ...any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Newf("%s panicked: %v", point, r)
		}
	}()
	return mod.Invoke(ctx, point, args...)
}

// Unload calls the module's onUnload hook, closes the module and drops the
// manifest. The hook runs at most once and its errors are only logged. An
// Unload issued while loading is applied as soon as loading settles.
func (p *Plugin) Unload(ctx context.Context) {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		p.unloadRequested = true
		p.mu.Unlock()
		return
	}
	if p.state == StateUnloaded {
		p.mu.Unlock()
		return
	}
	mod, exports := p.module, p.exports
	p.module = nil
	p.manifest = nil
	p.exports = 0
	p.state = StateUnloaded
	p.mu.Unlock()

	if mod != nil {
		if exports.Has(ExtensionOnUnload) {
			if _, err := invokeHook(ctx, mod, ExtensionOnUnload); err != nil {
				p.metrics.IncHookFailure(p.name, string(ExtensionOnUnload))
				p.log.Warnw("onUnload failed", "error", err)
			}
		}
		if err := mod.Close(); err != nil {
			p.log.Warnw("close module", "error", err)
		}
	}

	p.metrics.IncUnload()
	p.log.Debugw("plugin unloaded")
	p.emit(Event{Type: EventUnloaded})
}

// Info is a serializable snapshot of a plugin.
type Info struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Dir         string   `json:"dir" yaml:"dir"`
	State       string   `json:"state" yaml:"state"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Exports     []string `json:"exports,omitempty" yaml:"exports,omitempty"`
	Error       string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Info returns a snapshot of the plugin for diagnostics.
func (p *Plugin) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := Info{
		ID:    p.id,
		Name:  p.name,
		Dir:   p.dir,
		State: p.state.String(),
	}
	if p.manifest != nil {
		info.Version = p.manifest.Version
		info.Description = p.manifest.Description
	}
	if info.Description == "" && p.pkg != nil {
		info.Description = p.pkg.Description
	}
	for _, pt := range p.exports.Points() {
		info.Exports = append(info.Exports, string(pt))
	}
	if p.err != nil {
		info.Error = p.err.Error()
	}
	return info
}
