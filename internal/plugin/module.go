package plugin

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/dshills/tickler/internal/dispatch"
)

// Module is a loaded plugin instance. Its extension points are fixed once
// loading returns.
type Module interface {
	// Exports returns the extension points the module provides.
	Exports() ExtensionSet

	// Intercept runs the module's middleware for one action.
	Intercept(ctx context.Context, store dispatch.Store, next dispatch.Func, action dispatch.Action) (any, error)

	// Invoke calls a lifecycle or decorate hook.
	Invoke(ctx context.Context, point ExtensionPoint, args ...any) (any, error)

	// Close releases the module.
	Close() error
}

// ModuleLoader turns a validated plugin directory into a live Module.
type ModuleLoader interface {
	LoadModule(ctx context.Context, dir string, m *Manifest) (Module, error)
}

// ModuleLoaderFunc adapts a function to ModuleLoader.
type ModuleLoaderFunc func(ctx context.Context, dir string, m *Manifest) (Module, error)

// LoadModule calls f.
func (f ModuleLoaderFunc) LoadModule(ctx context.Context, dir string, m *Manifest) (Module, error) {
	return f(ctx, dir, m)
}

// CacheEvicter is implemented by loaders that cache compiled modules.
type CacheEvicter interface {
	// Evict drops cached entries under root and returns how many were dropped.
	Evict(root string) int
}

// HookFunc implements a lifecycle or decorate hook in Go.
type HookFunc func(ctx context.Context, args ...any) (any, error)

// Hooks is a Module written in Go. Nil fields are not exported.
type Hooks struct {
	Middleware dispatch.Middleware
	Handlers   map[ExtensionPoint]HookFunc
	OnClose    func() error
}

// Exports implements Module.
func (h *Hooks) Exports() ExtensionSet {
	var s ExtensionSet
	if h.Middleware != nil {
		s = s.Add(ExtensionMiddleware)
	}
	for p, fn := range h.Handlers {
		if fn != nil && p != ExtensionMiddleware {
			s = s.Add(p)
		}
	}
	return s
}

// Intercept implements Module.
func (h *Hooks) Intercept(ctx context.Context, store dispatch.Store, next dispatch.Func, action dispatch.Action) (any, error) {
	if h.Middleware == nil {
		return nil, errors.Wrapf(ErrNoExtension, "%s", ExtensionMiddleware)
	}
	return h.Middleware(store)(next)(ctx, action), nil
}

// Invoke implements Module.
func (h *Hooks) Invoke(ctx context.Context, point ExtensionPoint, args ...any) (any, error) {
	fn := h.Handlers[point]
	if fn == nil {
		return nil, errors.Wrapf(ErrNoExtension, "%s", point)
	}
	return fn(ctx, args...)
}

// Close implements Module.
func (h *Hooks) Close() error {
	if h.OnClose == nil {
		return nil
	}
	return h.OnClose()
}

// StaticLoader serves Go modules keyed by plugin directory base name.
type StaticLoader map[string]func() (Module, error)

// LoadModule implements ModuleLoader.
func (s StaticLoader) LoadModule(_ context.Context, dir string, m *Manifest) (Module, error) {
	newModule, ok := s[baseName(dir)]
	if !ok {
		return nil, errors.Newf("no module registered for %s", baseName(dir))
	}
	return newModule()
}
